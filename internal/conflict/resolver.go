package conflict

import (
	"context"
	"sort"
	"time"

	"promptsync/internal/models"

	"github.com/rs/zerolog"
)

// Strategy selects how a detected conflict is resolved.
type Strategy string

const (
	LocalWins  Strategy = "local_wins"
	RemoteWins Strategy = "remote_wins"
	Merge      Strategy = "merge"
	AskUser    Strategy = "ask_user"
)

// Window within which both sides are considered concurrently modified.
// Changes further apart resolve by last-write-wins without a conflict.
const concurrentWindow = time.Second

// Winner names which side a resolution kept.
type Winner string

const (
	WinnerLocal  Winner = "local"
	WinnerRemote Winner = "remote"
	WinnerMerged Winner = "merged"
)

// Conflict describes a concurrent modification of one task.
type Conflict struct {
	EntityType models.EntityType
	Local      models.Task
	Remote     models.Task
	DetectedAt time.Time
}

// Resolution is the outcome applied after a conflict.
type Resolution struct {
	Winner Winner
	Task   models.Task
}

// UserResolver lets an embedding application decide AskUser conflicts.
// Returning an error falls back to LocalWins.
type UserResolver func(ctx context.Context, c Conflict) (Resolution, error)

// Resolver detects concurrent local/remote modifications and picks an
// outcome per the configured strategy.
type Resolver struct {
	strategy Strategy
	resolver UserResolver
	logger   *zerolog.Logger
}

func NewResolver(strategy Strategy, logger *zerolog.Logger) *Resolver {
	if strategy == "" {
		strategy = LocalWins
	}
	return &Resolver{strategy: strategy, logger: logger}
}

// OnAskUser registers the external resolution callback for AskUser.
func (r *Resolver) OnAskUser(fn UserResolver) {
	r.resolver = fn
}

func (r *Resolver) Strategy() Strategy {
	return r.strategy
}

// Detect reports whether local and remote modification times fall inside
// the concurrent window. Outside the window the later timestamp wins
// outright and no conflict exists.
func (r *Resolver) Detect(local, remote time.Time) bool {
	delta := local.Sub(remote)
	if delta < 0 {
		delta = -delta
	}
	return delta < concurrentWindow
}

// Resolve applies the configured strategy to a detected conflict.
func (r *Resolver) Resolve(ctx context.Context, c Conflict) Resolution {
	switch r.strategy {
	case RemoteWins:
		return Resolution{Winner: WinnerRemote, Task: c.Remote}
	case Merge:
		return Resolution{Winner: WinnerMerged, Task: MergeTasks(c.Local, c.Remote)}
	case AskUser:
		if r.resolver != nil {
			res, err := r.resolver(ctx, c)
			if err == nil {
				return res
			}
			r.logger.Warn().Err(err).Str("task", c.Local.ID).Msg("user conflict resolution failed, keeping local")
		}
		// No callback registered: keep local as the safe default.
		return Resolution{Winner: WinnerLocal, Task: c.Local}
	default:
		return Resolution{Winner: WinnerLocal, Task: c.Local}
	}
}

// MergeTasks shallow-merges scalar fields with local precedence and merges
// chat history by message identity so neither side's turns are dropped.
func MergeTasks(local, remote models.Task) models.Task {
	merged := local
	if merged.Name == "" {
		merged.Name = remote.Name
	}
	if merged.FolderName == "" {
		merged.FolderName = remote.FolderName
	}
	if merged.SystemPrompt == "" {
		merged.SystemPrompt = remote.SystemPrompt
	}
	if merged.Params.Model == "" {
		merged.Params = remote.Params
	}
	if remote.UpdatedAt.After(merged.UpdatedAt) {
		merged.UpdatedAt = remote.UpdatedAt
	}
	merged.Messages = MergeMessages(local.Messages, remote.Messages)
	return merged
}

// MergeMessages unions two transcripts by message id, local first, sorted
// by timestamp ascending.
func MergeMessages(local, remote []models.ChatMessage) []models.ChatMessage {
	seen := make(map[string]struct{}, len(local))
	merged := make([]models.ChatMessage, 0, len(local)+len(remote))

	for _, m := range local {
		seen[m.ID] = struct{}{}
		merged = append(merged, m)
	}
	for _, m := range remote {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		merged = append(merged, m)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	return merged
}
