package environment

var environmentSchemaRaw = `
{
	"$defs": {
		"string_map": {
			"type": "object",
			"additionalProperties": { "type": "string" }
		},
		"server": {
			"type": "object",
			"properties": {
				"port": { "type": "string", "pattern": "^[0-9]+(/(tcp|udp|sctp))?$" },
				"protocol": { "type": "string" },
				"path": { "type": "string" },
				"attributes": { "$ref": "#/$defs/string_map" }
			},
			"required": [ "port" ]
		},
		"volume": {
			"type": "object",
			"properties": {
				"path": { "type": "string", "minLength": 1 }
			},
			"required": [ "path" ]
		},
		"machine": {
			"type": "object",
			"properties": {
				"image": { "type": "string" },
				"recipe": { "type": "string" },
				"command": {
					"type": "array",
					"items": { "type": "string" }
				},
				"servers": {
					"type": "object",
					"additionalProperties": { "$ref": "#/$defs/server" }
				},
				"volumes": {
					"type": "object",
					"additionalProperties": { "$ref": "#/$defs/volume" }
				},
				"env": { "$ref": "#/$defs/string_map" },
				"attributes": { "$ref": "#/$defs/string_map" }
			}
		}
	},
	"title": "Workspace Environment",
	"type": "object",
	"properties": {
		"machines": {
			"type": "object",
			"minProperties": 1,
			"additionalProperties": { "$ref": "#/$defs/machine" }
		}
	},
	"required": [ "machines" ]
}
`
