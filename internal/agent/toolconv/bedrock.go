// Package toolconv converts agent.Tool definitions into the tool-schema
// wire formats of providers whose SDK types don't belong in the agent
// package itself (kept separate from internal/agent/providers so the
// Bedrock SDK's types package isn't a dependency of every driver).
package toolconv

import (
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/swedishembedded/sven/internal/agent"
)

// ToBedrockTools converts agent.Tool definitions into a Bedrock Converse
// ToolConfiguration. A tool whose JSON schema fails to parse gets an empty
// object schema rather than aborting the whole request.
func ToBedrockTools(tools []agent.Tool) *types.ToolConfiguration {
	bedrockTools := make([]types.Tool, len(tools))

	for i, tool := range tools {
		var schema any
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}

		bedrockTools[i] = &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(tool.Name()),
				Description: aws.String(tool.Description()),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			},
		}
	}

	return &types.ToolConfiguration{Tools: bedrockTools}
}
