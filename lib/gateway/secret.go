// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"errors"
	"unicode/utf16"
	"unicode/utf8"
)

var errSecretNotString = errors.New("secret must be a JSON string")

// secretBytes decodes a JSON string straight into a byte slice, so a
// password never exists as an immutable Go string. The owner clears
// it after use.
type secretBytes []byte

func (s *secretBytes) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return errSecretNotString
	}
	body := data[1 : len(data)-1]
	decoded := make([]byte, 0, len(body))
	for index := 0; index < len(body); index++ {
		c := body[index]
		if c != '\\' {
			decoded = append(decoded, c)
			continue
		}
		index++
		if index >= len(body) {
			clear(decoded)
			return errSecretNotString
		}
		switch body[index] {
		case '"', '\\', '/':
			decoded = append(decoded, body[index])
		case 'b':
			decoded = append(decoded, '\b')
		case 'f':
			decoded = append(decoded, '\f')
		case 'n':
			decoded = append(decoded, '\n')
		case 'r':
			decoded = append(decoded, '\r')
		case 't':
			decoded = append(decoded, '\t')
		case 'u':
			r, ok := hexRune(body[index+1:])
			if !ok {
				clear(decoded)
				return errSecretNotString
			}
			index += 4
			if utf16.IsSurrogate(r) {
				low, ok := rune(-1), false
				if index+2 < len(body) && body[index+1] == '\\' && body[index+2] == 'u' {
					low, ok = hexRune(body[index+3:])
				}
				if combined := utf16.DecodeRune(r, low); ok && combined != utf8.RuneError {
					r = combined
					index += 6
				} else {
					r = utf8.RuneError
				}
			}
			decoded = utf8.AppendRune(decoded, r)
		default:
			clear(decoded)
			return errSecretNotString
		}
	}
	clear(*s)
	*s = decoded
	return nil
}

// hexRune parses the four hex digits of a \u escape.
func hexRune(digits []byte) (rune, bool) {
	if len(digits) < 4 {
		return 0, false
	}
	var r rune
	for _, c := range digits[:4] {
		r <<= 4
		switch {
		case '0' <= c && c <= '9':
			r |= rune(c - '0')
		case 'a' <= c && c <= 'f':
			r |= rune(c - 'a' + 10)
		case 'A' <= c && c <= 'F':
			r |= rune(c - 'A' + 10)
		default:
			return 0, false
		}
	}
	return r, true
}
