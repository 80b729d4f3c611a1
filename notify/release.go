package notify

import (
	"context"

	"marketsignal/escrow"
)

const releaseTemplate = "escrow-released"

// ReleaseNotifier adapts a Mailer to the escrow engine's notifier contract,
// rendering the funds-released notice through the templated email service.
type ReleaseNotifier struct {
	mailer Mailer
}

// NewReleaseNotifier builds the notifier. Callers pass a RetryingMailer so
// the escrow path gets its bounded retries.
func NewReleaseNotifier(mailer Mailer) *ReleaseNotifier {
	return &ReleaseNotifier{mailer: mailer}
}

// SendReleaseNotice implements escrow.Notifier.
func (n *ReleaseNotifier) SendReleaseNotice(ctx context.Context, notice escrow.ReleaseNotice) error {
	return n.mailer.SendTemplatedEmail(ctx, Params{
		To:       notice.Email,
		Name:     notice.Name,
		Template: releaseTemplate,
		Variables: map[string]string{
			"amount":    FormatAmount(notice.Amount),
			"itemTitle": notice.ItemTitle,
			"feedback":  notice.Feedback,
		},
	})
}
