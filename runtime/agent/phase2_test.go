package agent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/agentcore/runtime/agent/domain"
	"goa.design/agentcore/runtime/agent/model"
	"goa.design/agentcore/runtime/streamparser"
)

func TestBuildDataComponentUnionSchema_AddsArtifactReferenceBranchOnlyWithArtifacts(t *testing.T) {
	noArtifacts := buildDataComponentUnionSchema([]domain.DataComponent{{Name: "Summary"}}, nil)
	branches := noArtifacts["properties"].(map[string]any)["dataComponents"].(map[string]any)["items"].(map[string]any)["oneOf"].([]map[string]any)
	require.Len(t, branches, 1)

	withArtifacts := buildDataComponentUnionSchema([]domain.DataComponent{{Name: "Summary"}}, []domain.ArtifactComponent{{Type: "Report"}})
	branches = withArtifacts["properties"].(map[string]any)["dataComponents"].(map[string]any)["items"].(map[string]any)["oneOf"].([]map[string]any)
	require.Len(t, branches, 3)

	last := branches[2]
	props := last["properties"].(map[string]any)
	require.Equal(t, artifactReferenceType, props["type"].(map[string]any)["const"])
}

func TestDecodeStructuredCall_RoutesArtifactReferenceThroughExtract(t *testing.T) {
	var extracted []map[string]any
	extract := func(component map[string]any) []streamparser.Part {
		extracted = append(extracted, component)
		return []streamparser.Part{{Kind: streamparser.PartData, Data: component}}
	}

	payload, err := json.Marshal(map[string]any{
		"dataComponents": []map[string]any{
			{"type": "Artifact", "id": "r1", "tool": "tc1"},
			{"type": "Summary", "text": "hi"},
		},
	})
	require.NoError(t, err)
	resp := &model.Response{ToolCalls: []model.ToolCall{{Payload: payload}}}

	parts, err := decodeStructuredCall(resp, extract)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	require.Len(t, extracted, 1)
	require.Equal(t, "Artifact", extracted[0]["type"])
}
