package models

import (
	"testing"
)

func TestHistoryQuery_Validate(t *testing.T) {
	tests := []struct {
		name       string
		query      *HistoryQuery
		wantErr    bool
		wantLimit  int
		wantOffset int
	}{
		{"empty query", &HistoryQuery{Query: ""}, true, 0, 0},
		{"blank query", &HistoryQuery{Query: "   "}, true, 0, 0},
		{"valid query", &HistoryQuery{Query: "dog", Limit: 5}, false, 5, 0},
		{"sets default limit", &HistoryQuery{Query: "x", Limit: 0}, false, 10, 0},
		{"caps limit at 100", &HistoryQuery{Query: "x", Limit: 200}, false, 100, 0},
		{"clamps negative offset", &HistoryQuery{Query: "x", Offset: -3}, false, 10, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.query.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if tt.query.Limit != tt.wantLimit {
				t.Errorf("Limit = %d, want %d", tt.query.Limit, tt.wantLimit)
			}
			if tt.query.Offset != tt.wantOffset {
				t.Errorf("Offset = %d, want %d", tt.query.Offset, tt.wantOffset)
			}
		})
	}
}

func TestHistoryQuery_ValidateTrims(t *testing.T) {
	q := &HistoryQuery{Query: "  a dog  "}
	if err := q.Validate(); err != nil {
		t.Fatal(err)
	}
	if q.Query != "a dog" {
		t.Errorf("Query = %q", q.Query)
	}
}
