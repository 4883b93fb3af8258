package models

// AgentType identifies one of the specialized planning agents.
// The set is closed: dispatch goes through a registry keyed by these values,
// never through reflection.
type AgentType string

const (
	// AgentLocation resolves the destination and its key facts.
	AgentLocation AgentType = "location"
	// AgentAccommodation selects lodging options.
	AgentAccommodation AgentType = "accommodation"
	// AgentActivity plans activities and sights.
	AgentActivity AgentType = "activity"
	// AgentTransport plans inter- and intra-city transport.
	AgentTransport AgentType = "transport"
	// AgentBudget reconciles the itinerary against the traveler's budget.
	AgentBudget AgentType = "budget"
	// AgentWeather fetches the forecast for the travel window.
	AgentWeather AgentType = "weather"
)

// AllAgentTypes lists every known agent type.
var AllAgentTypes = []AgentType{
	AgentLocation,
	AgentAccommodation,
	AgentActivity,
	AgentTransport,
	AgentBudget,
	AgentWeather,
}

// Valid returns true if the agent type is a known value.
func (a AgentType) Valid() bool {
	for _, t := range AllAgentTypes {
		if a == t {
			return true
		}
	}
	return false
}
