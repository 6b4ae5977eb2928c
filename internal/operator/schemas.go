package operator

// Schema fragments shared across tools.
var (
	schemaString = map[string]any{"type": "string"}
	schemaBool   = map[string]any{"type": "boolean"}
	schemaInt    = map[string]any{"type": "integer"}

	schemaStringArray = map[string]any{
		"type":  "array",
		"items": map[string]any{"type": "string"},
	}

	schemaAgentSpec = map[string]any{
		"type": "object",
		"properties": map[string]any{
			"role":           schemaString,
			"specialization": schemaString,
			"model":          schemaString,
			"sandbox":        map[string]any{"type": "string", "enum": []string{"read-only", "workspace-write", "danger-full-access"}},
			"approval":       map[string]any{"type": "string", "enum": []string{"untrusted", "on-failure", "on-request", "never"}},
			"reasoning":      map[string]any{"type": "string", "enum": []string{"minimal", "low", "medium", "high", "xhigh"}},
			"lead":           schemaBool,
			"work_dir":       schemaString,
			"instructions":   schemaString,
		},
	}

	schemaTaskedAgentSpec = map[string]any{
		"type": "object",
		"properties": map[string]any{
			"role":           schemaString,
			"task":           schemaString,
			"specialization": schemaString,
			"model":          schemaString,
			"sandbox":        schemaString,
			"reasoning":      schemaString,
			"lead":           schemaBool,
		},
	}
)

func object(required []string, props map[string]any) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// toolSchemas describes the operator tool surface for tools/list.
func toolSchemas() []map[string]any {
	return []map[string]any{
		{
			"name":        "create_team",
			"description": "Create a persistent team of codex agents.",
			"inputSchema": object([]string{"name", "agents"}, map[string]any{
				"name":   schemaString,
				"agents": map[string]any{"type": "array", "items": schemaAgentSpec},
			}),
		},
		{
			"name":        "dissolve_team",
			"description": "Destroy a team, its channels and its identity tokens.",
			"inputSchema": object([]string{"team_id"}, map[string]any{"team_id": schemaString}),
		},
		{
			"name":        "add_agent",
			"description": "Add one agent to an existing team.",
			"inputSchema": object([]string{"team_id", "role"}, map[string]any{
				"team_id":        schemaString,
				"role":           schemaString,
				"specialization": schemaString,
				"model":          schemaString,
				"sandbox":        schemaString,
				"approval":       schemaString,
				"reasoning":      schemaString,
				"lead":           schemaBool,
				"work_dir":       schemaString,
				"instructions":   schemaString,
			}),
		},
		{
			"name":        "remove_agent",
			"description": "Remove an idle agent from a team.",
			"inputSchema": object([]string{"team_id", "agent_id"}, map[string]any{
				"team_id":  schemaString,
				"agent_id": schemaString,
			}),
		},
		{
			"name":        "list_agents",
			"description": "List all teams and agents, or one team's roster.",
			"inputSchema": object(nil, map[string]any{"team_id": schemaString}),
		},
		{
			"name":        "send_message",
			"description": "Send a message to one agent and wait for its reply.",
			"inputSchema": object([]string{"team_id", "agent_id", "text"}, map[string]any{
				"team_id":  schemaString,
				"agent_id": schemaString,
				"text":     schemaString,
			}),
		},
		{
			"name":        "broadcast",
			"description": "Send the same message to every idle agent in a team concurrently.",
			"inputSchema": object([]string{"team_id", "text"}, map[string]any{
				"team_id":   schemaString,
				"text":      schemaString,
				"agent_ids": schemaStringArray,
			}),
		},
		{
			"name":        "relay",
			"description": "Forward one agent's last output to a teammate or the whole team.",
			"inputSchema": object([]string{"team_id", "from"}, map[string]any{
				"team_id": schemaString,
				"from":    schemaString,
				"to":      schemaString,
				"to_all":  schemaBool,
				"prefix":  schemaString,
			}),
		},
		{
			"name":        "assign_task",
			"description": "Create a task for an agent, optionally gated on prerequisite tasks.",
			"inputSchema": object([]string{"team_id", "agent_id", "description"}, map[string]any{
				"team_id":     schemaString,
				"agent_id":    schemaString,
				"description": schemaString,
				"depends_on":  schemaStringArray,
			}),
		},
		{
			"name":        "task_status",
			"description": "Show one task or every task in a team.",
			"inputSchema": object([]string{"team_id"}, map[string]any{
				"team_id": schemaString,
				"task_id": schemaString,
			}),
		},
		{
			"name":        "complete_task",
			"description": "Mark a task completed and kick off any tasks it unblocks.",
			"inputSchema": object([]string{"team_id", "task_id"}, map[string]any{
				"team_id": schemaString,
				"task_id": schemaString,
				"result":  schemaString,
			}),
		},
		{
			"name":        "get_output",
			"description": "Fetch an agent's last output.",
			"inputSchema": object([]string{"team_id", "agent_id"}, map[string]any{
				"team_id":  schemaString,
				"agent_id": schemaString,
			}),
		},
		{
			"name":        "get_team_report",
			"description": "Summarize a team's agent statuses, tasks and shared artifacts.",
			"inputSchema": object([]string{"team_id"}, map[string]any{"team_id": schemaString}),
		},
		{
			"name":        "dispatch_team",
			"description": "Run a one-shot parallel fan-out on a throwaway team.",
			"inputSchema": object([]string{"agents"}, map[string]any{
				"name":     schemaString,
				"work_dir": schemaString,
				"agents":   map[string]any{"type": "array", "items": schemaTaskedAgentSpec},
			}),
		},
		{
			"name":        "launch_mission",
			"description": "Start an asynchronous lead-plus-workers mission with optional verification.",
			"inputSchema": object([]string{"objective", "agents"}, map[string]any{
				"objective":      schemaString,
				"work_dir":       schemaString,
				"agents":         map[string]any{"type": "array", "items": schemaTaskedAgentSpec},
				"verify_command": schemaString,
				"max_retries":    schemaInt,
			}),
		},
		{
			"name":        "mission_status",
			"description": "Snapshot a running or finished mission.",
			"inputSchema": object([]string{"mission_id"}, map[string]any{"mission_id": schemaString}),
		},
		{
			"name":        "await_mission",
			"description": "Block until a mission reaches a terminal phase.",
			"inputSchema": object([]string{"mission_id"}, map[string]any{
				"mission_id": schemaString,
				"poll_ms":    schemaInt,
				"timeout_ms": schemaInt,
			}),
		},
		{
			"name":        "get_mission_comms",
			"description": "Fetch the retained comms transcript of a finished mission.",
			"inputSchema": object([]string{"mission_id"}, map[string]any{"mission_id": schemaString}),
		},
		{
			"name":        "get_team_comms",
			"description": "Live view of a team's channels and artifacts.",
			"inputSchema": object([]string{"team_id"}, map[string]any{"team_id": schemaString}),
		},
		{
			"name":        "steer_team",
			"description": "Abort in-flight work and redirect a team with a new directive.",
			"inputSchema": object([]string{"team_id", "directive"}, map[string]any{
				"team_id":   schemaString,
				"directive": schemaString,
				"agent_ids": schemaStringArray,
			}),
		},
	}
}
