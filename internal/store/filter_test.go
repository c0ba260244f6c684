package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConditionMatching(t *testing.T) {
	doc := Document{"id": 5.0, "code": "sh010", "status": "rev"}
	cases := []struct {
		name string
		cond Condition
		want bool
	}{
		{"eq int against float", Eq("id", 5), true},
		{"eq string", Eq("code", "sh010"), true},
		{"eq missing field", Eq("nope", 1), false},
		{"ne", Condition{Field: "status", Op: OpNe, Value: "apr"}, true},
		{"ne missing", Condition{Field: "nope", Op: OpNe, Value: "apr"}, true},
		{"in slice", In("status", "apr", "rev"), true},
		{"in miss", In("status", "apr"), false},
		{"gt", Condition{Field: "id", Op: OpGt, Value: 4}, true},
		{"lt", Condition{Field: "id", Op: OpLt, Value: 5}, false},
		{"string gt", Condition{Field: "code", Op: OpGt, Value: "sh000"}, true},
		{"unknown op", Condition{Field: "id", Op: "like", Value: 5}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Filter{Where: []Condition{tc.cond}}.Match(doc))
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	d := Document{"items": []any{map[string]any{"id": 1.0}}}
	c := d.Clone()
	c["items"].([]any)[0].(map[string]any)["id"] = 2.0
	assert.Equal(t, 1.0, d["items"].([]any)[0].(map[string]any)["id"])
}
