// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-fti.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package recovery

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/ClusterCockpit/cc-fti/internal/ftierrors"
)

func padTo(data []byte, length int) []byte {
	if len(data) >= length {
		return data
	}
	out := make([]byte, length)
	copy(out, data)
	return out
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ftierrors.ErrIO, path, err)
	}
	return data, nil
}

func checksumHex(data []byte) string {
	sum := md5.Sum(data)
	return fmt.Sprintf("%x", sum)
}

// encodeStatuses/decodeStatuses serialize a []LevelStatus for the
// VoteLevel gather/broadcast round trip: 5 bytes per level, a 4-byte
// little-endian level number followed by 1 byte, 1 meaning present.
func encodeStatuses(statuses []LevelStatus) []byte {
	buf := make([]byte, len(statuses)*5)
	for i, s := range statuses {
		binary.LittleEndian.PutUint32(buf[i*5:], uint32(s.Level))
		if s.Present {
			buf[i*5+4] = 1
		}
	}
	return buf
}

func decodeStatuses(raw []byte) []LevelStatus {
	n := len(raw) / 5
	out := make([]LevelStatus, n)
	for i := 0; i < n; i++ {
		out[i] = LevelStatus{
			Level:   int(binary.LittleEndian.Uint32(raw[i*5:])),
			Present: raw[i*5+4] == 1,
		}
	}
	return out
}

// encodeVote/decodeVote carry the leader's final decision back to every
// group member: a level number, or a 0 level paired with a non-empty
// reason meaning "no level sufficed."
func encodeVote(level int, err error) []byte {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	buf := make([]byte, 4+len(reason))
	binary.LittleEndian.PutUint32(buf, uint32(level))
	copy(buf[4:], reason)
	return buf
}

func decodeVote(raw []byte) (int, error) {
	if len(raw) < 4 {
		return 0, fmt.Errorf("%w: malformed recovery vote broadcast", ftierrors.ErrIO)
	}
	level := int(binary.LittleEndian.Uint32(raw))
	if len(raw) > 4 {
		return 0, fmt.Errorf("%w: %s", ftierrors.ErrUnrecoverable, string(raw[4:]))
	}
	return level, nil
}
