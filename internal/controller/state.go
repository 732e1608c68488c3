package controller

import "fmt"

// Phase is the controller's connection state.
type Phase int

const (
	Idle Phase = iota
	Connecting
	Connected
	Disconnecting
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is a point-in-time view for front ends.
type State struct {
	Phase           Phase  `json:"phase"`
	Connected       bool   `json:"connected"`
	DeviceAvailable bool   `json:"device_available"`
	BaudRate        int    `json:"baud_rate"`
	MaxLines        int    `json:"max_lines"`
	VendorID        string `json:"vendor_id"`
	ProductID       string `json:"product_id"`
	Device          string `json:"device"`
	Input           string `json:"input"`
}

// Output lines shown to the user. Their wording is relied on by people
// scripting against the console, so keep them stable.
const (
	msgWaiting      = "Waiting for user input to connect to serial port\n"
	msgConnectedFmt = "Connected serial port with baud rate %d\n"
	msgReading      = "Connected and reading data:\n"
	msgDisconnected = "\nDisconnected from serial port\n"
	msgLost         = "\n\nConnection lost, check device or cable. Please reconnect again using the \"Connect Button above\" \n"
	msgReset        = "\n\nConnection was reset, check device or cable. Please reconnect again using the \"Connect Button above\" \n"
	msgNotSelected  = "No serial port selected\n"
	msgErrorFmt     = "Error received: %s \n"
)
