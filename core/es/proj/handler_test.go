package proj_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bennyboer/kicherkrabbe-sub011/core/es/estests/domain"
	"github.com/bennyboer/kicherkrabbe-sub011/core/es/proj"
)

func TestTyped(t *testing.T) {
	h := proj.Typed(projectCategory)
	ctx := t.Context()

	upd, err := h.Project(ctx, nil, proj.Event{Payload: domain.Renamed{Name: "x"}})
	require.NoError(t, err)
	require.Equal(t, proj.Skip, upd.Action)

	upd, err = h.Project(ctx, nil, proj.Event{Payload: domain.Created{Name: "Shirts", Group: "NONE"}})
	require.NoError(t, err)
	require.Equal(t, proj.Keep, upd.Action)
	require.JSONEq(t, `{"name":"Shirts","group":"NONE"}`, string(upd.Data))

	cur := &proj.Doc{Name: readModel, ID: "c1", Version: 1, Data: upd.Data}
	upd, err = h.Project(ctx, cur, proj.Event{Payload: domain.TagAdded{Tag: "summer"}})
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"Shirts","group":"NONE","tags":["summer"]}`, string(upd.Data))

	upd, err = h.Project(ctx, cur, proj.Event{Payload: domain.Deleted{}})
	require.NoError(t, err)
	require.Equal(t, proj.Delete, upd.Action)
	require.Nil(t, upd.Data)

	tomb := &proj.Doc{Name: readModel, ID: "c1", Version: 2, Deleted: true}
	upd, err = h.Project(ctx, tomb, proj.Event{Payload: domain.Renamed{Name: "y"}})
	require.NoError(t, err)
	require.Equal(t, proj.Skip, upd.Action, "tombstones do not exist for typed handlers")

	broken := &proj.Doc{Name: readModel, ID: "c1", Version: 1, Data: json.RawMessage(`[]`)}
	_, err = h.Project(ctx, broken, proj.Event{Payload: domain.Renamed{Name: "y"}})
	require.Error(t, err)
}

func TestAction_String(t *testing.T) {
	require.Equal(t, "keep", proj.Keep.String())
	require.Equal(t, "delete", proj.Delete.String())
	require.Equal(t, "skip", proj.Skip.String())
	require.Equal(t, "unknown", proj.Action(42).String())
}
