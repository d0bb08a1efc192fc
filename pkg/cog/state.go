package cog

// State is the decoder's lifecycle state.
type State int

const (
	// StateUninitialized: no bytes read yet. Only Open leaves this state.
	StateUninitialized State = iota

	// StateLoadingTopDirectories: Open is walking the directory chain.
	StateLoadingTopDirectories

	// StateReady: the directory chain is known; zero or more levels carry
	// frozen image metadata.
	StateReady

	// StateLoadingTagData: at least one LoadLevels call is resolving tags.
	// Chunk requests for already-loaded levels remain valid.
	StateLoadingTagData

	// StateFailed: an unrecoverable format error poisoned the decoder; it
	// must be reconstructed.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoadingTopDirectories:
		return "loading-top-directories"
	case StateReady:
		return "ready"
	case StateLoadingTagData:
		return "loading-tag-data"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
