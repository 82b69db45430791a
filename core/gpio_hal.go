package core

// GPIOPin is a platform pin number as sent in config_servo.
type GPIOPin uint32

// GPIODriver drives the servo signal pins. SetPin is called from the pulse
// scheduler in interrupt context and must not block.
type GPIODriver interface {
	// ConfigureOutput makes pin a digital output. It fails for
	// pins the platform cannot drive.
	ConfigureOutput(pin GPIOPin) error

	// SetPin drives pin high (leading edge) or low (trailing edge).
	SetPin(pin GPIOPin, value bool) error
}
