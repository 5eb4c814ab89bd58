package agentpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAndGet(t *testing.T) {
	p := New()
	require.NoError(t, p.Add(Agent{ID: "a1", DisplayName: "Alice", Enabled: true}))

	a, err := p.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", a.DisplayName)
}

func TestAddRejectsDuplicateName(t *testing.T) {
	p := New()
	require.NoError(t, p.Add(Agent{ID: "a1", DisplayName: "Alice"}))
	err := p.Add(Agent{ID: "a2", DisplayName: "Alice"})
	assert.ErrorIs(t, err, ErrDuplicateName)
}

func TestAddRejectsDuplicateID(t *testing.T) {
	p := New()
	require.NoError(t, p.Add(Agent{ID: "a1", DisplayName: "Alice"}))
	err := p.Add(Agent{ID: "a1", DisplayName: "Bob"})
	assert.Error(t, err)
}

func TestUpdatePreservesOrder(t *testing.T) {
	p := New()
	require.NoError(t, p.Add(Agent{ID: "a1", DisplayName: "Alice", Enabled: true}))
	require.NoError(t, p.Add(Agent{ID: "a2", DisplayName: "Bob", Enabled: true}))

	require.NoError(t, p.Update(Agent{ID: "a1", DisplayName: "Alicia", Enabled: true}))

	all := p.All()
	require.Len(t, all, 2)
	assert.Equal(t, "a1", all[0].ID)
	assert.Equal(t, "Alicia", all[0].DisplayName)
}

func TestUpdateRejectsCollidingNameWithAnotherAgent(t *testing.T) {
	p := New()
	require.NoError(t, p.Add(Agent{ID: "a1", DisplayName: "Alice"}))
	require.NoError(t, p.Add(Agent{ID: "a2", DisplayName: "Bob"}))

	err := p.Update(Agent{ID: "a2", DisplayName: "Alice"})
	assert.ErrorIs(t, err, ErrDuplicateName)
}

func TestRemoveDropsFromOrderAndIndex(t *testing.T) {
	p := New()
	require.NoError(t, p.Add(Agent{ID: "a1", DisplayName: "Alice"}))
	require.NoError(t, p.Add(Agent{ID: "a2", DisplayName: "Bob"}))

	require.NoError(t, p.Remove("a1"))

	_, err := p.Get("a1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Len(t, p.All(), 1)

	// Name "Alice" should be reusable after removal.
	require.NoError(t, p.Add(Agent{ID: "a3", DisplayName: "Alice"}))
}

func TestActiveFiltersDisabledAgents(t *testing.T) {
	p := New()
	require.NoError(t, p.Add(Agent{ID: "a1", DisplayName: "Alice", Enabled: true}))
	require.NoError(t, p.Add(Agent{ID: "a2", DisplayName: "Bob", Enabled: false}))
	require.NoError(t, p.Add(Agent{ID: "a3", DisplayName: "Carol", Enabled: true}))

	active := p.Active()
	require.Len(t, active, 2)
	assert.Equal(t, "a1", active[0].ID)
	assert.Equal(t, "a3", active[1].ID)
}

func TestLenReflectsInsertsAndRemoves(t *testing.T) {
	p := New()
	assert.Equal(t, 0, p.Len())
	require.NoError(t, p.Add(Agent{ID: "a1", DisplayName: "Alice"}))
	assert.Equal(t, 1, p.Len())
	require.NoError(t, p.Remove("a1"))
	assert.Equal(t, 0, p.Len())
}
