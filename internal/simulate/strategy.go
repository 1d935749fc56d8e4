package simulate

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/starbridge/internal/content"
	"github.com/austindbirch/starbridge/internal/delivery"
	"github.com/austindbirch/starbridge/internal/logging"
	"github.com/austindbirch/starbridge/internal/poll"
	"github.com/austindbirch/starbridge/internal/session"
	"github.com/austindbirch/starbridge/internal/tracing"
)

// Step names, reported in not_found and partial outcomes.
const (
	StepEnsureSourcesPanel = "EnsureSourcesPanel"
	StepOpenAddDialog      = "OpenAddDialog"
	StepSelectSourceType   = "SelectSourceType"
	StepPopulateField      = "PopulateField"
	StepConfirm            = "Confirm"

	// PartialFieldPopulated is the step of a partial outcome.
	PartialFieldPopulated = "fieldPopulated"
)

// Control is what Inspect learned about a control.
type Control struct {
	Found   bool   `json:"found"`
	Enabled bool   `json:"enabled"`
	Tag     string `json:"tag,omitempty"`
	Text    string `json:"text,omitempty"`
}

// Driver operates the target page. Every method resolves the first
// matcher that hits and acts on that element only.
type Driver interface {
	Click(ctx context.Context, ms []Matcher) (bool, error)
	// Fill sets the value and dispatches input, change and keyup.
	Fill(ctx context.Context, ms []Matcher, value string) (bool, error)
	Inspect(ctx context.Context, ms []Matcher) (Control, error)
	// Reveal scrolls the control into view.
	Reveal(ctx context.Context, ms []Matcher) (bool, error)
	// Dismiss closes any open dialog.
	Dismiss(ctx context.Context) error
}

// Strategy is the Interactive-Simulation strategy: a linear state machine
// over the target's own controls.
type Strategy struct {
	driver Driver
	table  Table
	settle time.Duration
	lookup poll.Policy
	logger *logging.Logger
}

// NewStrategy builds the strategy. settle is the pause after each step;
// lookup bounds the scans for required controls.
func NewStrategy(d Driver, table Table, settle time.Duration, lookup poll.Policy) *Strategy {
	if table == nil {
		table = DefaultTable()
	}
	return &Strategy{
		driver: d,
		table:  table,
		settle: settle,
		lookup: lookup,
		logger: logging.New("simulate"),
	}
}

func (s *Strategy) Name() string { return delivery.StrategyUI }

func (s *Strategy) Attempt(ctx context.Context, rec content.Record, st session.State) delivery.Outcome {
	// the list page has no add-source control; do not click around on it
	if st.Kind == session.KindList {
		return delivery.NotReady(string(session.ReasonNoContainer))
	}

	out := s.run(ctx, rec)
	if out.Kind == delivery.KindNotFound {
		if err := s.driver.Dismiss(ctx); err != nil {
			s.logger.WithContext(ctx).WithError(err).Warn("dismiss dialog")
		}
	}
	return out
}

func (s *Strategy) run(ctx context.Context, rec content.Record) delivery.Outcome {
	s.ensureSourcesPanel(ctx)
	if err := s.pause(ctx); err != nil {
		return delivery.NotFound(StepEnsureSourcesPanel, err.Error())
	}

	if out, ok := s.openAddDialog(ctx); !ok {
		return out
	}
	if err := s.pause(ctx); err != nil {
		return delivery.NotFound(StepOpenAddDialog, err.Error())
	}

	if out, ok := s.selectSourceType(ctx, rec.IsLink()); !ok {
		return out
	}
	if err := s.pause(ctx); err != nil {
		return delivery.NotFound(StepSelectSourceType, err.Error())
	}

	if out, ok := s.populateField(ctx, rec); !ok {
		return out
	}
	if err := s.pause(ctx); err != nil {
		return delivery.NotFound(StepPopulateField, err.Error())
	}

	return s.confirm(ctx)
}

func (s *Strategy) step(ctx context.Context, name string) {
	tracing.AddSpanEvent(ctx, "ui.step", tracing.AttrStep.String(name))
}

// ensureSourcesPanel switches to the sources tab on narrow layouts. A
// missing tab means the panel is already visible.
func (s *Strategy) ensureSourcesPanel(ctx context.Context) {
	s.step(ctx, StepEnsureSourcesPanel)
	clicked, err := s.driver.Click(ctx, s.table[PurposeSourcesTab])
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Debug("sources tab scan failed")
		return
	}
	if clicked {
		s.logger.WithContext(ctx).Debug("switched to sources tab")
	}
}

func (s *Strategy) openAddDialog(ctx context.Context) (delivery.Outcome, bool) {
	s.step(ctx, StepOpenAddDialog)
	if err := s.scan(ctx, PurposeAddTrigger, func(ctx context.Context) (bool, error) {
		return s.driver.Click(ctx, s.table[PurposeAddTrigger])
	}); err != nil {
		return delivery.NotFound(StepOpenAddDialog, err.Error()), false
	}
	return delivery.Outcome{}, true
}

// selectSourceType picks the text or link option, which may sit behind a
// section that has to be opened first.
func (s *Strategy) selectSourceType(ctx context.Context, link bool) (delivery.Outcome, bool) {
	s.step(ctx, StepSelectSourceType)

	menu, option := PurposeTextMenu, PurposeTextOption
	if link {
		menu, option = PurposeLinkMenu, PurposeLinkOption
	}

	// the option lists are long; bring the section into view first
	if ok, _ := s.driver.Reveal(ctx, s.table[menu]); !ok {
		_, _ = s.driver.Reveal(ctx, s.table[option])
	}

	if !link {
		clicked, err := s.driver.Click(ctx, s.table[option])
		if err != nil {
			return delivery.NotFound(StepSelectSourceType, err.Error()), false
		}
		if clicked {
			return delivery.Outcome{}, true
		}
	}

	openedMenu, err := s.driver.Click(ctx, s.table[menu])
	if err != nil {
		return delivery.NotFound(StepSelectSourceType, err.Error()), false
	}
	if openedMenu {
		if err := s.pause(ctx); err != nil {
			return delivery.NotFound(StepSelectSourceType, err.Error()), false
		}
	}

	clicked, err := s.driver.Click(ctx, s.table[option])
	if err != nil {
		return delivery.NotFound(StepSelectSourceType, err.Error()), false
	}
	if !clicked && (link || !openedMenu) {
		return delivery.NotFound(StepSelectSourceType, "no "+string(option)+" control"), false
	}
	if !clicked {
		// some layouts show the field straight after the section opens
		s.logger.WithContext(ctx).WithField("purpose", string(option)).Debug("option not found after opening section")
	}
	return delivery.Outcome{}, true
}

func (s *Strategy) populateField(ctx context.Context, rec content.Record) (delivery.Outcome, bool) {
	s.step(ctx, StepPopulateField)

	field := PurposeTextField
	if rec.IsLink() {
		field = PurposeURLField
	}
	value := rec.Handoff()

	if err := s.scan(ctx, field, func(ctx context.Context) (bool, error) {
		return s.driver.Fill(ctx, s.table[field], value)
	}); err != nil {
		return delivery.NotFound(StepPopulateField, err.Error()), false
	}
	return delivery.Outcome{}, true
}

// confirm activates the confirm control, waiting within the lookup budget
// for it to become enabled. A control that stays disabled leaves the
// populated dialog for the user.
func (s *Strategy) confirm(ctx context.Context) delivery.Outcome {
	s.step(ctx, StepConfirm)

	var last Control
	err := s.scan(ctx, PurposeConfirm, func(ctx context.Context) (bool, error) {
		c, err := s.driver.Inspect(ctx, s.table[PurposeConfirm])
		if err != nil {
			return false, err
		}
		last = c
		return c.Found && c.Enabled, nil
	})
	switch {
	case err == nil:
	case last.Found && !last.Enabled:
		s.logger.WithContext(ctx).Info("confirm control disabled; left for the user")
		return delivery.Partial(PartialFieldPopulated)
	default:
		return delivery.NotFound(StepConfirm, err.Error())
	}

	clicked, err := s.driver.Click(ctx, s.table[PurposeConfirm])
	if err != nil {
		return delivery.NotFound(StepConfirm, err.Error())
	}
	if !clicked {
		return delivery.NotFound(StepConfirm, "confirm control vanished")
	}
	return delivery.Delivered()
}

// scan retries fn within the lookup budget until it reports a hit.
func (s *Strategy) scan(ctx context.Context, p Purpose, fn func(context.Context) (bool, error)) error {
	_, err := poll.Until(ctx, s.lookup, func(ctx context.Context) (struct{}, bool, error) {
		ok, err := fn(ctx)
		return struct{}{}, ok, err
	})
	if err != nil {
		tracing.AddSpanEvent(ctx, "ui.lookup_failed", attribute.String("purpose", string(p)))
	}
	return err
}

func (s *Strategy) pause(ctx context.Context) error {
	if s.settle <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.settle)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
