package ota

import "fmt"

// State is a loader state.
type State uint8

const (
	StateIdle State = iota
	StateInit
	StateEraseFlash
	StateVerifyErase
	StateDNSLookup
	StateOpenSocket
	StateEstablishConnection
	StateSendRequest
	StateSendPartialRequest
	StateParseHeader
	StateParsePartialHeader
	StateReceiveStream
	StateDataTimeout
	StateAllReceived
	StateVerifyOTA
	StateCloseConnection
	StateCloseSocket
	StateDone
	StatePreIdle
)

var stateNames = [...]string{
	StateIdle:                "IDLE",
	StateInit:                "INIT",
	StateEraseFlash:          "ERASE_FLASH",
	StateVerifyErase:         "VERIFY_ERASE",
	StateDNSLookup:           "DNS_LOOKUP",
	StateOpenSocket:          "OPEN_SOCKET",
	StateEstablishConnection: "ESTABLISH_CONNECTION",
	StateSendRequest:         "SEND_REQUEST",
	StateSendPartialRequest:  "SEND_PARTIAL_REQUEST",
	StateParseHeader:         "PARSE_HEADER",
	StateParsePartialHeader:  "PARSE_PARTIAL_HEADER",
	StateReceiveStream:       "RECEIVE_STREAM",
	StateDataTimeout:         "DATA_TIMEOUT",
	StateAllReceived:         "ALL_RECEIVED",
	StateVerifyOTA:           "VERIFY_OTA",
	StateCloseConnection:     "CLOSE_CONNECTION",
	StateCloseSocket:         "CLOSE_SOCKET",
	StateDone:                "DONE",
	StatePreIdle:             "PRE_IDLE",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// LatestState is a version discovery state.
type LatestState uint8

const (
	LatestIdle LatestState = iota
	LatestDNS
	LatestOpenSocket
	LatestConnect
	LatestSendRequest
	LatestParseHeader
	LatestCloseConnection
	LatestCloseSocket
)

var latestNames = [...]string{
	LatestIdle:            "IDLE",
	LatestDNS:             "DNS",
	LatestOpenSocket:      "OPEN_SOCKET",
	LatestConnect:         "CONNECT",
	LatestSendRequest:     "SEND_REQUEST",
	LatestParseHeader:     "PARSE_HEADER",
	LatestCloseConnection: "CLOSE_CONNECTION",
	LatestCloseSocket:     "CLOSE_SOCKET",
}

func (s LatestState) String() string {
	if int(s) < len(latestNames) {
		return latestNames[s]
	}
	return fmt.Sprintf("LatestState(%d)", uint8(s))
}
