package state

import (
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// normalize strips the volatile fields (creation time, step timestamps) so
// two captures of identical state compare equal.
func normalize(sn *Snapshot) *Snapshot {
	cp := *sn
	cp.CreatedAt = time.Time{}
	cp.History = make([]Step, len(sn.History))
	copy(cp.History, sn.History)
	for i := range cp.History {
		cp.History[i].Timestamp = time.Time{}
	}
	return &cp
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("snapshot -> restore -> snapshot is stable up to timestamps", prop.ForAll(
		func(key string, sval string, ival int, bval bool, steps uint8, retry uint8) bool {
			s := New("tenant", "wf", "start", map[string]any{
				key:      sval,
				"number": ival,
				"flag":   bval,
				"nested": map[string]any{"inner": []any{sval, ival}},
			})
			s.RetryCount = int(retry % 4)
			n := int(steps % 5)
			for i := 0; i < n; i++ {
				s.History.Append(Step{
					NodeID:  "n",
					Result:  Success(sval),
					Context: CloneContext(s.Context),
				})
			}
			if n > 0 {
				s.History.RecordBacktrack(Backtrack{FromNodeID: "n", ToNodeID: "start", Reason: "loop", Auto: true})
			}

			first := s.Snapshot(ReasonCheckpoint)
			second := first.Restore().Snapshot(ReasonCheckpoint)
			return reflect.DeepEqual(normalize(first), normalize(second))
		},
		gen.Identifier(), gen.AlphaString(), gen.Int(), gen.Bool(), gen.UInt8(), gen.UInt8(),
	))

	properties.Property("restored state never aliases snapshot context", prop.ForAll(
		func(key string, val string) bool {
			s := New("tenant", "wf", "start", map[string]any{key: val})
			snap := s.Snapshot(ReasonCheckpoint)
			restored := snap.Restore()
			restored.Set(key, "mutated")
			return snap.Context[key] == val
		},
		gen.Identifier(), gen.AlphaString(),
	))

	properties.TestingRun(t)
}
