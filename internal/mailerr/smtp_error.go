/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package mailerr defines the structured error envelope used across every
// mailroom component: a stable reason, an optional SMTP reply for the
// failures that cross the wire, and a field bag for logging.
package mailerr

import (
	"fmt"

	"github.com/emersion/go-smtp"
)

// EnhancedCode is the RFC 3463 extended status code, e.g. {5, 7, 1}.
type EnhancedCode [3]int

// SMTPError is a handler- or component-raised error that carries an SMTP
// reply. A Receiver session translates it directly into the wire reply; the
// queue receiver and the router's undeliverable-queue path have no peer to
// reply to and instead log it and push the raw message.
type SMTPError struct {
	Code         int
	EnhancedCode EnhancedCode
	Message      string

	// CheckName identifies which component raised the error, for logging.
	CheckName string
	// Misc carries additional structured fields for logging.
	Misc map[string]interface{}
	// Err is the underlying cause, if any.
	Err error
}

func (se *SMTPError) Error() string {
	if se.CheckName != "" {
		return fmt.Sprintf("%s: %d %d.%d.%d %s", se.CheckName, se.Code,
			se.EnhancedCode[0], se.EnhancedCode[1], se.EnhancedCode[2], se.Message)
	}
	return fmt.Sprintf("%d %d.%d.%d %s", se.Code,
		se.EnhancedCode[0], se.EnhancedCode[1], se.EnhancedCode[2], se.Message)
}

func (se *SMTPError) Unwrap() error {
	return se.Err
}

func (se *SMTPError) Fields() map[string]interface{} {
	f := make(map[string]interface{}, len(se.Misc)+2)
	for k, v := range se.Misc {
		f[k] = v
	}
	f["smtp_code"] = se.Code
	f["check"] = se.CheckName
	return f
}

// SMTP adapts se to the *smtp.SMTPError shape the go-smtp server and client
// expect on the wire.
func (se *SMTPError) SMTP() *smtp.SMTPError {
	return &smtp.SMTPError{
		Code:         se.Code,
		EnhancedCode: smtp.EnhancedCode(se.EnhancedCode),
		Message:      se.Message,
	}
}

// AsSMTPError reports whether err is (or wraps) an *SMTPError, returning it
// if so. Used by receivers to decide between "send this exact reply" and
// "swallow and push to the undeliverable queue".
func AsSMTPError(err error) (*SMTPError, bool) {
	for err != nil {
		if se, ok := err.(*SMTPError); ok {
			return se, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}
