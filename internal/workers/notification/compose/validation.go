// internal/workers/notification/compose/validation.go
package compose

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"workspace-notifications/internal/models"
)

func inputSchema() map[string]interface{} {
	typeEnum := make([]interface{}, len(models.AllNotificationTypes))
	for i, t := range models.AllNotificationTypes {
		typeEnum[i] = string(t)
	}
	channelEnum := make([]interface{}, len(models.AllChannels))
	for i, c := range models.AllChannels {
		channelEnum[i] = string(c)
	}

	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"recipientId": map[string]interface{}{
				"type":      "string",
				"minLength": 1,
			},
			"workspaceId": map[string]interface{}{
				"type":      "string",
				"minLength": 1,
			},
			"type": map[string]interface{}{
				"type": "string",
				"enum": typeEnum,
			},
			"title": map[string]interface{}{
				"type":      "string",
				"minLength": 1,
			},
			"message": map[string]interface{}{
				"type": "string",
			},
			"data": map[string]interface{}{
				"type": "object",
			},
			"channels": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type": "string",
					"enum": channelEnum,
				},
			},
		},
		"required": []interface{}{"recipientId", "workspaceId", "type", "title"},
	}
}

// validateInput checks the raw job variables against the compose schema before
// they are handed to the service.
func validateInput(variables map[string]interface{}) error {
	schemaLoader := gojsonschema.NewGoLoader(inputSchema())
	documentLoader := gojsonschema.NewGoLoader(variables)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("validation error: %w", err)
	}

	if !result.Valid() {
		errs := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			errs[i] = desc.String()
		}
		return fmt.Errorf("input validation failed: %v", errs)
	}

	return nil
}
