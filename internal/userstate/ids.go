package userstate

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// b85Alphabet is the RFC 1924 character set.
const b85Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz!#$%&()*+-;<=>?@^_`{|}~"

const (
	minIDChars       = 2
	maxIDChars       = 20
	candidatesPerLen = 100
)

// IDSource yields 16 random bytes per call.
type IDSource func() [16]byte

// RandomIDSource draws ids from random UUIDs.
func RandomIDSource() [16]byte {
	return [16]byte(uuid.New())
}

// encodeB85 renders 16 bytes as 20 base-85 characters, most significant digit first.
func encodeB85(src [16]byte) string {
	out := make([]byte, 0, maxIDChars)
	for i := 0; i < len(src); i += 4 {
		word := binary.BigEndian.Uint32(src[i : i+4])
		var group [5]byte
		for j := 4; j >= 0; j-- {
			group[j] = b85Alphabet[word%85]
			word /= 85
		}
		out = append(out, group[:]...)
	}
	return string(out)
}

// assignIDs gives every profile without an id a short id that is unique within the list.
// Ids start at two characters and grow by one whenever a whole round of candidates collides.
func assignIDs(list []Profile, source IDSource) {
	used := make(map[string]struct{}, len(list))
	for _, p := range list {
		if p.ID != "" {
			used[p.ID] = struct{}{}
		}
	}

	chars := minIDChars
	for i := range list {
		if list[i].ID != "" {
			continue
		}
		for list[i].ID == "" {
			for attempt := 0; attempt < candidatesPerLen; attempt++ {
				candidate := encodeB85(source())[:chars]
				if _, taken := used[candidate]; taken {
					continue
				}
				list[i].ID = candidate
				used[candidate] = struct{}{}
				break
			}
			if list[i].ID == "" && chars < maxIDChars {
				chars++
			}
		}
	}
}
