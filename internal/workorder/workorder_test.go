package workorder

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const twoStageJSON = `{
  "workorder_id": "WO-1",
  "name": "Rye dough",
  "steps": [
    {"mix_time_sec": 5, "items": [{"item_id": "A", "name": "Flour"}, {"item_id": "B", "name": "Water"}]},
    {"mix_time_sec": 3, "items": [{"item_id": "C", "name": "Salt"}]}
  ]
}`

func TestParse(t *testing.T) {
	wo, err := Parse([]byte(twoStageJSON))
	require.NoError(t, err)

	assert.Equal(t, "WO-1", wo.ID)
	assert.Equal(t, "Rye dough", wo.Name)
	require.Len(t, wo.Steps, 2)
	assert.Equal(t, 3, wo.ItemCount())
	assert.Equal(t, []string{"A", "B"}, wo.Steps[0].ItemIDs())
	assert.True(t, wo.Steps[1].Contains("C"))
	assert.False(t, wo.Steps[1].Contains("A"))
	assert.Equal(t, "5s", wo.Steps[0].MixDuration().String())

	_, ok := wo.Stage(2)
	assert.False(t, ok)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `{"workorder_id":`},
		{"missing id", `{"steps":[{"mix_time_sec":1,"items":[]}]}`},
		{"no steps", `{"workorder_id":"X","steps":[]}`},
		{"negative mix time", `{"workorder_id":"X","steps":[{"mix_time_sec":-1,"items":[]}]}`},
		{"empty item id", `{"workorder_id":"X","steps":[{"mix_time_sec":1,"items":[{"item_id":""}]}]}`},
		{"duplicate item in stage", `{"workorder_id":"X","steps":[{"mix_time_sec":1,"items":[{"item_id":"A"},{"item_id":"A"}]}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestParseAllowsSameItemAcrossStages(t *testing.T) {
	wo, err := Parse([]byte(`{"workorder_id":"X","steps":[
		{"mix_time_sec":1,"items":[{"item_id":"A"}]},
		{"mix_time_sec":1,"items":[{"item_id":"A"}]}]}`))
	require.NoError(t, err)
	assert.Equal(t, 2, wo.ItemCount())
}

func TestFromMap(t *testing.T) {
	wo, err := FromMap(map[string]interface{}{
		"workorder_id": "WO-2",
		"steps": []interface{}{
			map[string]interface{}{"mix_time_sec": 2.5, "items": []interface{}{
				map[string]interface{}{"item_id": "A"},
			}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2.5, wo.Steps[0].MixTimeSec)
}

func TestLibrary(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rye.json"), []byte(twoStageJSON), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wheat.yaml"), []byte(`
workorder_id: WO-0
name: Wheat
steps:
  - mix_time_sec: 4
    items:
      - item_id: W
        name: Wheat flour
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte(`{"name":"no id"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	lib := NewLibrary([]string{dir, filepath.Join(dir, "missing")}, zaptest.NewLogger(t))

	list, err := lib.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "WO-0", list[0].ID)
	assert.Equal(t, 1, list[0].ItemCount)
	assert.Equal(t, "WO-1", list[1].ID)
	assert.Equal(t, 2, list[1].StepCount)

	wo, err := lib.Get("WO-0")
	require.NoError(t, err)
	assert.Equal(t, "Wheat", wo.Name)

	lib.ClearCache()
	wo, err = lib.Get("WO-1")
	require.NoError(t, err)
	assert.Equal(t, "Rye dough", wo.Name)

	_, err = lib.Get("nope")
	assert.Error(t, err)
}
