package loop

import (
	"context"

	"github.com/kandev/agentrun/internal/run/cleanup"
)

// cleanupAndStore adapts the attempt's execState onto cleanup.Run's
// store-agnostic Input, keeping internal/run/cleanup free of a dependency
// on this package's unexported execution state.
func (s *execState) cleanupAndStore(ctx context.Context) error {
	return cleanup.Run(ctx, s.deps.Sessions, cleanup.Input{
		Run:          s.run,
		Session:      s.session,
		SessionState: s.rc.SessionState,
		StartedAt:    s.startedAt,
		Scrub: cleanup.ScrubPolicy{
			DropMedia:            s.agent.Scrub.DropMedia,
			DropToolResultBodies: s.agent.Scrub.DropToolResultBodies,
			DropHistoryMessages:  s.agent.Scrub.DropHistoryMessages,
		},
		ArtifactPathTemplate: s.agent.ArtifactPathTemplate,
		AgentName:            s.agent.Name,
		Logger:               s.log,
	})
}
