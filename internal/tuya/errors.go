package tuya

import "fmt"

// AuthError is returned when the token endpoint does not issue a credential.
type AuthError struct {
	Code int
	Msg  string
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tuya: acquire credential: %v", e.Err)
	}
	return fmt.Sprintf("tuya: acquire credential: code=%d msg=%q", e.Code, e.Msg)
}

func (e *AuthError) Unwrap() error { return e.Err }

// DeviceQueryError is returned when the device status call fails or its
// response cannot be understood.
type DeviceQueryError struct {
	DeviceID string
	Code     int
	Msg      string
	Err      error
}

func (e *DeviceQueryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tuya: query device %s: %v", e.DeviceID, e.Err)
	}
	return fmt.Sprintf("tuya: query device %s: code=%d msg=%q", e.DeviceID, e.Code, e.Msg)
}

func (e *DeviceQueryError) Unwrap() error { return e.Err }
