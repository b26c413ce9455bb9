package session

// Cause причина завершения сессии
type Cause string

const (
	CauseNone Cause = ""

	// причины, связанные с сигнализацией
	CauseBye            Cause = "Terminated"
	CauseCanceled       Cause = "Canceled"
	CauseNoAnswer       Cause = "No Answer"
	CauseExpires        Cause = "Expires"
	CauseNoAck          Cause = "No ACK"
	CauseNoPrack        Cause = "No PRACK"
	CauseDialogError    Cause = "Dialog Error"
	CauseRequestTimeout Cause = "Request Timeout"
	CauseConnection     Cause = "Connection Error"
	CauseInternal       Cause = "Internal Error"

	// причины, связанные с медиа
	CauseBadMediaDescription Cause = "Bad Media Description"
	CauseMediaError          Cause = "Media Error"

	// причины по коду ответа
	CauseAddressIncomplete Cause = "Address Incomplete"
	CauseAuthentication    Cause = "Authentication Error"
	CauseBusy              Cause = "Busy"
	CauseRejected          Cause = "Rejected"
	CauseRedirected        Cause = "Redirected"
	CauseUnavailable       Cause = "Unavailable"
	CauseNotFound          Cause = "Not Found"
	CauseIncompatibleSDP   Cause = "Incompatible SDP"
	CauseSIPFailureCode    Cause = "SIP Failure Code"
)

var causeByStatus = map[int]Cause{
	300: CauseRedirected, 301: CauseRedirected, 302: CauseRedirected, 305: CauseRedirected, 380: CauseRedirected,
	486: CauseBusy, 600: CauseBusy,
	403: CauseRejected, 603: CauseRejected,
	404: CauseNotFound, 604: CauseNotFound,
	408: CauseUnavailable, 410: CauseUnavailable, 430: CauseUnavailable, 480: CauseUnavailable,
	484: CauseAddressIncomplete,
	488: CauseIncompatibleSDP, 606: CauseIncompatibleSDP,
	401: CauseAuthentication, 407: CauseAuthentication,
}

// CauseForStatus причина для окончательного отрицательного ответа
func CauseForStatus(code int) Cause {
	if c, ok := causeByStatus[code]; ok {
		return c
	}
	return CauseSIPFailureCode
}

func (c Cause) String() string {
	return string(c)
}
