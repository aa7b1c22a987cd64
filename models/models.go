package models

import "github.com/google/uuid"

// Database schema overview:
// 1. organizations, organization_members - tenants and the users that belong to them
// 2. users, refresh_tokens, permanent_tokens - cookie-based authentication
// 3. agent_mappings - local records of provider-hosted voice agents
// 4. assignments - which users may take which agent lessons
// 5. progress - latest score/completion per (user, agent)
// 6. evaluation_criteria_results - rubric verdicts from post-call webhooks
// 7. organization_usage - consumed call minutes, incremented atomically
// 8. categories - grouping of agents inside an organization
// 9. provider_credentials - external API keys
// 10. webhook_events - processed deliveries used for de-duplication

// ensureID assigns a UUID when the caller did not set one. IDs are generated
// client-side so the schema does not rely on gen_random_uuid().
func ensureID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}
