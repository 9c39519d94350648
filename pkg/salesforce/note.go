package salesforce

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/rotisserie/eris"
)

// Field limits on the standard Note object.
const (
	maxNoteTitle = 80
	maxNoteBody  = 32000
)

// Note is a plain-text note attached to a parent record.
type Note struct {
	ParentID string
	Title    string
	Body     string
}

// CreateNote inserts a Note and returns its Salesforce ID. Title and body
// are cut to the Note field limits.
func CreateNote(ctx context.Context, c Client, n Note) (string, error) {
	if n.ParentID == "" {
		return "", eris.New("sf: note parent id is required")
	}
	if n.Title == "" {
		return "", eris.New("sf: note title is required")
	}
	id, err := c.InsertOne(ctx, "Note", map[string]any{
		"ParentId": n.ParentID,
		"Title":    cut(n.Title, maxNoteTitle),
		"Body":     cut(n.Body, maxNoteBody),
	})
	if err != nil {
		return "", eris.Wrap(err, fmt.Sprintf("sf: create note on %s", n.ParentID))
	}
	return id, nil
}

func cut(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
