package session

import "fmt"

// Kind тип обмена
type Kind string

const (
	KindFileTransfer Kind = "file_transfer"
	KindVideoSharing Kind = "video_sharing"
)

// Direction направление обмена
type Direction string

const (
	DirectionIncoming Direction = "INCOMING"
	DirectionOutgoing Direction = "OUTGOING"
)

// State состояние сессии
type State string

const (
	StateInitiating  State = "INITIATING"
	StateInvited     State = "INVITED"
	StateRinging     State = "RINGING"
	StateAccepting   State = "ACCEPTING"
	StateStarted     State = "STARTED"
	StatePaused      State = "PAUSED"
	StateTransferred State = "TRANSFERRED"
	StateAborted     State = "ABORTED"
	StateFailed      State = "FAILED"
	StateRejected    State = "REJECTED"
)

// IsTerminal сообщает, что из состояния нет переходов
func (s State) IsTerminal() bool {
	switch s {
	case StateTransferred, StateAborted, StateFailed, StateRejected:
		return true
	}
	return false
}

// Reason причина последнего перехода
type Reason string

const (
	ReasonUnspecified Reason = "UNSPECIFIED"

	ReasonAbortedByUser   Reason = "ABORTED_BY_USER"
	ReasonAbortedBySystem Reason = "ABORTED_BY_SYSTEM"
	ReasonAbortedByRemote Reason = "ABORTED_BY_REMOTE"

	ReasonRejectedByUser       Reason = "REJECTED_BY_USER"
	ReasonRejectedByRemote     Reason = "REJECTED_BY_REMOTE"
	ReasonRejectedByInactivity Reason = "REJECTED_BY_INACTIVITY"
	ReasonRejectedTimeOut      Reason = "REJECTED_TIME_OUT"
	ReasonRejectedMaxSize      Reason = "REJECTED_MAX_SIZE"
	ReasonRejectedLowSpace     Reason = "REJECTED_LOW_SPACE"

	ReasonFailedInitiation       Reason = "FAILED_INITIATION"
	ReasonFailedDataTransfer     Reason = "FAILED_DATA_TRANSFER"
	ReasonFailedSaving           Reason = "FAILED_SAVING"
	ReasonFailedNotAllowedToSend Reason = "FAILED_NOT_ALLOWED_TO_SEND"
	ReasonFailedSharing          Reason = "FAILED_SHARING"

	ReasonPausedByUser   Reason = "PAUSED_BY_USER"
	ReasonPausedBySystem Reason = "PAUSED_BY_SYSTEM"
)

// Cause причина завершения сессии сигнальным уровнем
type Cause int

const (
	CauseTimeout Cause = iota + 1
	CauseSystem
	CauseUser
	CauseRemote
)

func (c Cause) String() string {
	switch c {
	case CauseTimeout:
		return "timeout"
	case CauseSystem:
		return "system"
	case CauseUser:
		return "user"
	case CauseRemote:
		return "remote"
	}
	return fmt.Sprintf("cause(%d)", int(c))
}

// ErrorCode ошибка протокола или медиа уровня
type ErrorCode int

const (
	CodeInitiationFailed ErrorCode = iota + 1
	CodeInitiationDeclined
	CodeInitiationCancelled
	CodeNoChatSession
	CodeMediaTransferFailed
	CodeMediaUploadFailed
	CodeMediaDownloadFailed
	CodeMediaSavingFailed
	CodeMediaSizeTooBig
	CodeNotEnoughStorage
	CodeMediaStreamingFailed
	CodeUnsupportedMediaType
	CodeMediaPlayerNotInitialized
)

func (c ErrorCode) String() string {
	switch c {
	case CodeInitiationFailed:
		return "SESSION_INITIATION_FAILED"
	case CodeInitiationDeclined:
		return "SESSION_INITIATION_DECLINED"
	case CodeInitiationCancelled:
		return "SESSION_INITIATION_CANCELLED"
	case CodeNoChatSession:
		return "NO_CHAT_SESSION"
	case CodeMediaTransferFailed:
		return "MEDIA_TRANSFER_FAILED"
	case CodeMediaUploadFailed:
		return "MEDIA_UPLOAD_FAILED"
	case CodeMediaDownloadFailed:
		return "MEDIA_DOWNLOAD_FAILED"
	case CodeMediaSavingFailed:
		return "MEDIA_SAVING_FAILED"
	case CodeMediaSizeTooBig:
		return "MEDIA_SIZE_TOO_BIG"
	case CodeNotEnoughStorage:
		return "NOT_ENOUGH_STORAGE_SPACE"
	case CodeMediaStreamingFailed:
		return "MEDIA_STREAMING_FAILED"
	case CodeUnsupportedMediaType:
		return "UNSUPPORTED_MEDIA_TYPE"
	case CodeMediaPlayerNotInitialized:
		return "MEDIA_PLAYER_NOT_INITIALIZED"
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// события FSM называются по целевому состоянию
func eventTo(s State) string { return "to_" + string(s) }

var liveStates = []string{
	string(StateInitiating), string(StateInvited), string(StateRinging),
	string(StateAccepting), string(StateStarted), string(StatePaused),
}
