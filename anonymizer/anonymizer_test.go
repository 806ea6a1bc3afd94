// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

package anonymizer

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectEmail(t *testing.T) {
	d := NewDetector()
	entities := d.Detect("reach me at alice@example.com please")
	require.Len(t, entities, 1)
	assert.Equal(t, EntityEmail, entities[0].Type)
	assert.Equal(t, "alice@example.com", entities[0].Text)
}

func TestDetectCreditCardLuhn(t *testing.T) {
	d := NewDetector()

	// 4111111111111111 passes Luhn
	entities := d.Detect("my card is 4111 1111 1111 1111 thanks")
	require.NotEmpty(t, entities)
	assert.Equal(t, EntityCreditCard, entities[0].Type)

	// off-by-one digit fails Luhn and must not match
	entities = d.Detect("number 4111 1111 1111 1112 here")
	for _, e := range entities {
		assert.NotEqual(t, EntityCreditCard, e.Type)
	}
}

func TestDetectSSNRules(t *testing.T) {
	d := NewDetector()

	tests := []struct {
		text string
		want bool
	}{
		{"my ssn is 123-45-6789", true},
		{"ssn 666-45-6789 invalid area", false},
		{"ssn 123-00-6789 zero group", false},
		{"ssn 900-45-6789 high area", false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			found := false
			for _, e := range d.Detect(tt.text) {
				if e.Type == EntitySSN {
					found = true
				}
			}
			assert.Equal(t, tt.want, found)
		})
	}
}

func TestDetectIBAN(t *testing.T) {
	d := NewDetector()
	// valid mod-97 example
	entities := d.Detect("transfer to GB82WEST12345698765432 now")
	found := false
	for _, e := range entities {
		if e.Type == EntityIBAN {
			found = true
		}
	}
	assert.True(t, found)
}

func TestAnonymizeMasksEmail(t *testing.T) {
	a := New(nil)
	out, entities := a.Anonymize("contact alice@example.com")
	require.Len(t, entities, 1)
	assert.NotContains(t, out, "alice@example.com")
	assert.Contains(t, out, "a")
	assert.Contains(t, out, "*")
}

func TestAnonymizeRestoreRoundTrip(t *testing.T) {
	a := New(nil)
	mapping := make(RestoreMapping)
	counters := make(map[EntityType]int)

	original := "mail alice@example.com and bob@example.com, card 4111 1111 1111 1111"
	rewritten := a.AnonymizeRestore(original, mapping, counters)

	assert.NotContains(t, rewritten, "alice@example.com")
	assert.NotContains(t, rewritten, "bob@example.com")
	assert.Contains(t, rewritten, "__email_1__")
	assert.Contains(t, rewritten, "__email_2__")

	restored := Restore(rewritten, mapping)
	assert.Equal(t, original, restored)
}

func TestAnonymizeRestoreReusesPlaceholderForSameValue(t *testing.T) {
	a := New(nil)
	mapping := make(RestoreMapping)
	counters := make(map[EntityType]int)

	out := a.AnonymizeRestore("alice@example.com wrote to alice@example.com", mapping, counters)
	assert.Equal(t, 1, counters[EntityEmail])
	assert.Equal(t, 2, strings.Count(out, "__email_1__"))
}

func TestRestoreLongestPlaceholderFirst(t *testing.T) {
	mapping := RestoreMapping{}
	for i := 1; i <= 12; i++ {
		mapping[placeholder(i)] = fmt.Sprintf("user%d@example.com", i)
	}
	text := placeholder(12) + " and " + placeholder(1)
	restored := Restore(text, mapping)
	assert.Equal(t, "user12@example.com and user1@example.com", restored)
}

func placeholder(n int) string {
	return fmt.Sprintf("__email_%d__", n)
}

func TestRestoreNoMappingIsIdentity(t *testing.T) {
	assert.Equal(t, "hello __email_1__", Restore("hello __email_1__", nil))
}

func TestHashMethodIsDeterministic(t *testing.T) {
	a := New(map[EntityType]MethodConfig{EntityEmail: {Method: MethodHash}})
	out1, _ := a.Anonymize("mail alice@example.com")
	out2, _ := a.Anonymize("mail alice@example.com")
	assert.Equal(t, out1, out2)
	assert.NotContains(t, out1, "alice@example.com")
}
