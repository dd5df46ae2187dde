package session

import "fmt"

// AbortReason переводит причину завершения в код ABORTED_*
func AbortReason(c Cause) (Reason, error) {
	switch c {
	case CauseTimeout, CauseSystem:
		return ReasonAbortedBySystem, nil
	case CauseUser:
		return ReasonAbortedByUser, nil
	case CauseRemote:
		return ReasonAbortedByRemote, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnmappedCause, c)
}

// TransferOutcome состояние и код для ошибки передачи файла
func TransferOutcome(code ErrorCode) (State, Reason, error) {
	switch code {
	case CodeInitiationDeclined, CodeInitiationCancelled:
		return StateRejected, ReasonRejectedByRemote, nil
	case CodeMediaSavingFailed:
		return StateFailed, ReasonFailedSaving, nil
	case CodeMediaSizeTooBig:
		return StateRejected, ReasonRejectedMaxSize, nil
	case CodeMediaTransferFailed, CodeMediaUploadFailed, CodeMediaDownloadFailed:
		return StateFailed, ReasonFailedDataTransfer, nil
	case CodeNoChatSession, CodeInitiationFailed:
		return StateFailed, ReasonFailedInitiation, nil
	case CodeNotEnoughStorage:
		return StateRejected, ReasonRejectedLowSpace, nil
	}
	return "", "", fmt.Errorf("%w: file transfer %s", ErrUnmappedError, code)
}

// SharingOutcome состояние и код для ошибки видео
func SharingOutcome(code ErrorCode) (State, Reason, error) {
	switch code {
	case CodeInitiationFailed:
		return StateFailed, ReasonFailedInitiation, nil
	case CodeInitiationCancelled, CodeInitiationDeclined:
		return StateRejected, ReasonRejectedByRemote, nil
	case CodeMediaTransferFailed, CodeMediaStreamingFailed, CodeUnsupportedMediaType, CodeMediaPlayerNotInitialized:
		return StateFailed, ReasonFailedSharing, nil
	}
	return "", "", fmt.Errorf("%w: video sharing %s", ErrUnmappedError, code)
}

// rejectedByTimeout код отказа по таймауту приглашения различается по типу
func rejectedByTimeout(k Kind) Reason {
	if k == KindVideoSharing {
		return ReasonRejectedTimeOut
	}
	return ReasonRejectedByInactivity
}

// Resendable сообщает, можно ли повторить передачу из сохраненного состояния
func Resendable(state State, reason Reason) bool {
	switch state {
	case StateFailed:
		return true
	case StateAborted:
		return reason == ReasonAbortedBySystem || reason == ReasonAbortedByUser
	}
	return false
}
