package download

// Stage is the lifecycle stage of a download operation
type Stage int32

const (
	StageIdle Stage = iota
	StageHandshaking
	StageResolving
	StageDownloading
	// StagePaused is a cancelled download whose checkpoint can be resumed
	StagePaused
	StageVerifying
	StageDone
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageHandshaking:
		return "handshaking"
	case StageResolving:
		return "resolving"
	case StageDownloading:
		return "downloading"
	case StagePaused:
		return "paused"
	case StageVerifying:
		return "verifying"
	case StageDone:
		return "done"
	case StageFailed:
		return "failed"
	}
	return "unknown"
}
