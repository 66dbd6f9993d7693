//go:build darwin

package devices

/*
#cgo CFLAGS: -x objective-c
#cgo LDFLAGS: -framework AVFoundation -framework Foundation
#import <AVFoundation/AVFoundation.h>

static int authorizationStatus(int audio) {
	AVMediaType t = audio ? AVMediaTypeAudio : AVMediaTypeVideo;
	return (int)[AVCaptureDevice authorizationStatusForMediaType:t];
}

static int requestAccess(int audio, int timeoutSec) {
	AVMediaType t = audio ? AVMediaTypeAudio : AVMediaTypeVideo;
	dispatch_semaphore_t sem = dispatch_semaphore_create(0);
	__block int granted = 0;
	[AVCaptureDevice requestAccessForMediaType:t completionHandler:^(BOOL ok) {
		granted = ok ? 1 : 0;
		dispatch_semaphore_signal(sem);
	}];
	if (dispatch_semaphore_wait(sem, dispatch_time(DISPATCH_TIME_NOW, (int64_t)timeoutSec * NSEC_PER_SEC)) != 0) {
		return -1;
	}
	return granted;
}
*/
import "C"

import (
	"fmt"

	"github.com/aminelahmer1/livestream-core/internal/apperr"
	"github.com/aminelahmer1/livestream-core/internal/media"
)

const permissionPromptTimeout = 60

func (s authorizationStatus) String() string {
	switch s {
	case notDetermined:
		return "not determined"
	case restricted:
		return "restricted"
	case denied:
		return "denied"
	case authorized:
		return "authorized"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

func currentAuthorization(kind media.Kind) authorizationStatus {
	return authorizationStatus(C.authorizationStatus(audioFlag(kind)))
}

// ensurePermission prompts once when the OS has not asked yet and fails
// with DeviceUnavailable when access is denied or restricted.
func ensurePermission(kind media.Kind) error {
	const op = "devices.permission"

	switch status := currentAuthorization(kind); status {
	case authorized:
		return nil
	case notDetermined:
		switch C.requestAccess(audioFlag(kind), permissionPromptTimeout) {
		case 1:
			return nil
		case -1:
			return apperr.New(op, apperr.DeviceUnavailable, kind.String()+" permission prompt timed out")
		default:
			return apperr.New(op, apperr.DeviceUnavailable, kind.String()+" permission denied")
		}
	default:
		return apperr.New(op, apperr.DeviceUnavailable,
			fmt.Sprintf("%s access %s, grant it in System Settings > Privacy & Security", kind, status))
	}
}

func audioFlag(kind media.Kind) C.int {
	if kind == media.KindAudio {
		return 1
	}
	return 0
}
