package agent

import (
	"context"

	"github.com/marketmind/marketmind/pkg/models"
)

// ScriptedBackend replays a fixed event script per turn. It exists for
// tests and for running the gateway without upstream credentials.
type ScriptedBackend struct {
	// Turns holds one script per successive Analyze call. When
	// exhausted, the last script repeats.
	Turns [][]*models.AnalystEvent

	calls int
}

func (s *ScriptedBackend) Name() string { return "scripted" }

// Analyze replays the next script, stamping each event with the
// request's session id.
func (s *ScriptedBackend) Analyze(ctx context.Context, req *AnalysisRequest) (<-chan *models.AnalystEvent, error) {
	if len(s.Turns) == 0 {
		return nil, ErrBackendUnavailable
	}
	idx := s.calls
	if idx >= len(s.Turns) {
		idx = len(s.Turns) - 1
	}
	s.calls++
	script := s.Turns[idx]

	out := make(chan *models.AnalystEvent, len(script)+1)
	go func() {
		defer close(out)
		for _, ev := range script {
			copied := *ev
			copied.SessionID = req.SessionID
			select {
			case <-ctx.Done():
				return
			case out <- &copied:
			}
		}
	}()
	return out, nil
}
