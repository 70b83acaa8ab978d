package smtpd

import "net/textproto"

var (
	ErrBusy    = &textproto.Error{Code: 421, Msg: "Too busy. Try again later."}
	ErrTimeout = &textproto.Error{Code: 421, Msg: "Timeout"}

	ErrTooManyRecipients = &textproto.Error{Code: 452, Msg: "Too many recipients"}

	ErrLineTooLong    = &textproto.Error{Code: 500, Msg: "Line too long"}
	ErrUnknownCommand = &textproto.Error{Code: 500, Msg: "Unknown command"}

	ErrInvalidSyntax  = &textproto.Error{Code: 501, Msg: "Syntax error in parameters or arguments"}
	ErrMissingParam   = &textproto.Error{Code: 501, Msg: "Missing parameter"}
	ErrMalformedEmail = &textproto.Error{Code: 501, Msg: "Malformed email address"}

	ErrExpnNotImplemented = &textproto.Error{Code: 502, Msg: "EXPN not implemented"}
	ErrTLSNotOffered      = &textproto.Error{Code: 502, Msg: "TLS not available"}

	ErrNoHELO            = &textproto.Error{Code: 503, Msg: "Please introduce yourself first."}
	ErrNoMAIL            = &textproto.Error{Code: 503, Msg: "Missing MAIL FROM command."}
	ErrNoRCPT            = &textproto.Error{Code: 503, Msg: "Missing RCPT TO command."}
	ErrDuplicateMAIL     = &textproto.Error{Code: 503, Msg: "Duplicate MAIL"}
	ErrDuplicateSTARTTLS = &textproto.Error{Code: 503, Msg: "Already running in TLS"}

	ErrTooBig = &textproto.Error{Code: 552, Msg: "Message exceeded maximum size"}
)
