/*
Copyright (C) 2026  ColdTier Contributors

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

// Package errs holds the error-kind taxonomy shared across the engine. Every
// fallible operation returns one of these kinds wrapped with context, never
// a bare panic or an out-of-band signal.
package errs

import "fmt"

// Kind classifies a failure the way callers are expected to branch on it:
// by kind, not by string matching or type assertion chains.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidAlignment
	KindInvalidConfig
	KindDurability
	KindIoTimeout
	KindDeviceUnavailable
	KindInsufficientShards
	KindEncodeFailure
	KindDecodeFailure
	KindMigrationInProgress
	KindMigrationTimeout
	KindReplicaSyncFailed
	KindCooldownActive
	KindNoSuitablePool
	KindCorruptRecord
)

func (k Kind) String() string {
	switch k {
	case KindInvalidAlignment:
		return "InvalidAlignment"
	case KindInvalidConfig:
		return "InvalidConfig"
	case KindDurability:
		return "DurabilityError"
	case KindIoTimeout:
		return "IoTimeout"
	case KindDeviceUnavailable:
		return "DeviceUnavailable"
	case KindInsufficientShards:
		return "InsufficientShards"
	case KindEncodeFailure:
		return "EncodeFailure"
	case KindDecodeFailure:
		return "DecodeFailure"
	case KindMigrationInProgress:
		return "MigrationInProgress"
	case KindMigrationTimeout:
		return "MigrationTimeout"
	case KindReplicaSyncFailed:
		return "ReplicaSyncFailed"
	case KindCooldownActive:
		return "CooldownActive"
	case KindNoSuitablePool:
		return "NoSuitablePool"
	case KindCorruptRecord:
		return "CorruptRecord"
	default:
		return "Unknown"
	}
}

// E is the concrete error type. Kind is always set; Op names the operation
// that failed (e.g. "MetadataEngine.commit"); Err, if present, wraps the
// underlying cause.
type E struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *E) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
}

func (e *E) Unwrap() error { return e.Err }

// New constructs an *E without a wrapped cause.
func New(kind Kind, op, msg string) *E {
	return &E{Kind: kind, Op: op, Msg: msg}
}

// Wrap constructs an *E around an existing error.
func Wrap(kind Kind, op, msg string, err error) *E {
	return &E{Kind: kind, Op: op, Msg: msg, Err: err}
}

// Of reports the Kind of err, or KindUnknown if err is nil or not an *E.
func Of(err error) Kind {
	var e *E
	if err == nil {
		return KindUnknown
	}
	if asE, ok := err.(*E); ok {
		return asE.Kind
	}
	_ = e
	return KindUnknown
}

// Is reports whether err is an *E of the given kind.
func Is(err error, kind Kind) bool {
	return Of(err) == kind
}

// InsufficientShardsDetail is a have/need pair (spec §7).
// NewInsufficientShards does not attach it to the error; the counts are
// carried only in the message text.
type InsufficientShardsDetail struct {
	Have int
	Need int
}

func NewInsufficientShards(op string, have, need int) *E {
	return &E{
		Kind: KindInsufficientShards,
		Op:   op,
		Msg:  fmt.Sprintf("have %d, need %d", have, need),
	}
}
