// Package publish pushes stored briefings to downstream systems.
package publish

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/account-intel/internal/model"
	"github.com/sells-group/account-intel/internal/pipeline"
	"github.com/sells-group/account-intel/pkg/salesforce"
)

var _ pipeline.Publisher = (*SalesforcePublisher)(nil)

// SalesforcePublisher posts each briefing as a Note on the organization's
// Salesforce Account. Organizations without a Salesforce ID are skipped.
type SalesforcePublisher struct {
	client salesforce.Client
}

// NewSalesforce creates a SalesforcePublisher.
func NewSalesforce(client salesforce.Client) *SalesforcePublisher {
	return &SalesforcePublisher{client: client}
}

// Publish implements pipeline.Publisher.
func (p *SalesforcePublisher) Publish(ctx context.Context, org *model.Organization, b *model.Briefing) error {
	if org.SalesforceID == "" {
		zap.L().Debug("publish: organization has no salesforce id", zap.String("organization_id", org.ID))
		return nil
	}

	acct, err := salesforce.FindAccountByID(ctx, p.client, org.SalesforceID)
	if err != nil {
		return eris.Wrapf(err, "publish: look up account for %s", org.Slug)
	}
	if acct == nil {
		return eris.Errorf("publish: salesforce account %s not found for %s", org.SalesforceID, org.Slug)
	}

	noteID, err := salesforce.CreateNote(ctx, p.client, salesforce.Note{
		ParentID: acct.ID,
		Title:    NoteTitle(b),
		Body:     NoteBody(b),
	})
	if err != nil {
		return eris.Wrapf(err, "publish: briefing %s", b.ID)
	}

	zap.L().Info("publish: briefing posted to salesforce",
		zap.String("organization_id", org.ID),
		zap.String("briefing_id", b.ID),
		zap.String("note_id", noteID),
	)
	return nil
}

// NoteTitle names a briefing note by the day its window ends.
func NoteTitle(b *model.Briefing) string {
	return "Account briefing " + b.WindowEnd.UTC().Format(time.DateOnly)
}

// NoteBody renders a briefing as plain text.
func NoteBody(b *model.Briefing) string {
	var sb strings.Builder
	for _, bullet := range b.Summary.Bullets {
		sb.WriteString("- ")
		sb.WriteString(bullet)
		sb.WriteString("\n")
	}
	if b.Summary.Narrative != "" {
		sb.WriteString("\n")
		sb.WriteString(b.Summary.Narrative)
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "\nWindow: %s to %s\n",
		b.WindowStart.UTC().Format(time.RFC3339),
		b.WindowEnd.UTC().Format(time.RFC3339))
	return sb.String()
}
