// Package protocol pins the wire vocabulary agents speak: status codes
// and one typed body per (protocol, performative) row.
package protocol

import "strconv"

// Status is the integer state code published by agents and carried in
// INFORM bodies.
type Status int

const (
	TransportWaiting Status = 10 + iota
	TransportMovingToCustomer
	TransportInCustomerPlace
	TransportMovingToDestination
	TransportMovingToStation
	TransportInStationPlace
	TransportCharging
	TransportBoarding
	TransportInDest
)

const (
	CustomerWaiting Status = 20 + iota
	CustomerInTransport
	CustomerInDest
	CustomerLocation
	CustomerAssigned
	CustomerInStop
	CustomerWaitingForApproval
	CustomerWaitingToMove
	CustomerMovingToDest
)

const (
	StationFree Status = 30 + iota
	StationBusy
)

var statusNames = map[Status]string{
	TransportWaiting:             "TRANSPORT_WAITING",
	TransportMovingToCustomer:    "TRANSPORT_MOVING_TO_CUSTOMER",
	TransportInCustomerPlace:     "TRANSPORT_IN_CUSTOMER_PLACE",
	TransportMovingToDestination: "TRANSPORT_MOVING_TO_DESTINATION",
	TransportMovingToStation:     "TRANSPORT_MOVING_TO_STATION",
	TransportInStationPlace:      "TRANSPORT_IN_STATION_PLACE",
	TransportCharging:            "TRANSPORT_CHARGING",
	TransportBoarding:            "TRANSPORT_BOARDING",
	TransportInDest:              "TRANSPORT_IN_DEST",
	CustomerWaiting:              "CUSTOMER_WAITING",
	CustomerInTransport:          "CUSTOMER_IN_TRANSPORT",
	CustomerInDest:               "CUSTOMER_IN_DEST",
	CustomerLocation:             "CUSTOMER_LOCATION",
	CustomerAssigned:             "CUSTOMER_ASSIGNED",
	CustomerInStop:               "CUSTOMER_IN_STOP",
	CustomerWaitingForApproval:   "CUSTOMER_WAITING_FOR_APPROVAL",
	CustomerWaitingToMove:        "CUSTOMER_WAITING_TO_MOVE",
	CustomerMovingToDest:         "CUSTOMER_MOVING_TO_DEST",
	StationFree:                  "FREE_STATION",
	StationBusy:                  "BUSY_STATION",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "STATUS_" + strconv.Itoa(int(s))
}

func (s Status) Known() bool {
	_, ok := statusNames[s]
	return ok
}
