package event

import "sync"

// Built-in routing categories. A category declares which payload fields an
// envelope must carry; validation happens once, at construction.
const (
	CategoryGeneral      = "general"
	CategoryUser         = "user"
	CategoryPlant        = "plant"
	CategoryCare         = "care"
	CategoryHealth       = "health"
	CategoryGrowth       = "growth"
	CategoryCommunity    = "community"
	CategorySystem       = "system"
	CategoryAnalytics    = "analytics"
	CategoryNotification = "notification"
	CategoryIntegration  = "integration"
)

// CategorySpec declares the payload contract for a category.
type CategorySpec struct {
	Name           string
	RequiredFields []string
}

var (
	categoryMu sync.RWMutex
	categories = map[string]CategorySpec{
		CategoryGeneral:      {Name: CategoryGeneral},
		CategoryUser:         {Name: CategoryUser, RequiredFields: []string{"user_id"}},
		CategoryPlant:        {Name: CategoryPlant, RequiredFields: []string{"plant_id", "user_id"}},
		CategoryCare:         {Name: CategoryCare, RequiredFields: []string{"plant_id", "user_id", "care_type"}},
		CategoryHealth:       {Name: CategoryHealth, RequiredFields: []string{"plant_id", "user_id", "health_status"}},
		CategoryGrowth:       {Name: CategoryGrowth, RequiredFields: []string{"plant_id", "user_id"}},
		CategoryCommunity:    {Name: CategoryCommunity, RequiredFields: []string{"user_id"}},
		CategorySystem:       {Name: CategorySystem},
		CategoryAnalytics:    {Name: CategoryAnalytics, RequiredFields: []string{"action"}},
		CategoryNotification: {Name: CategoryNotification, RequiredFields: []string{"recipient_id", "notification_type"}},
		CategoryIntegration:  {Name: CategoryIntegration, RequiredFields: []string{"integration_name"}},
	}
)

// RegisterCategory declares or replaces a category spec. Collaborating
// modules call this at init time for their own categories.
func RegisterCategory(spec CategorySpec) {
	categoryMu.Lock()
	defer categoryMu.Unlock()
	categories[spec.Name] = spec
}

// RequiredFields returns the payload fields a category demands.
// Unregistered categories demand nothing.
func RequiredFields(category string) []string {
	categoryMu.RLock()
	defer categoryMu.RUnlock()
	return categories[category].RequiredFields
}

// Categories returns the names of all registered categories.
func Categories() []string {
	categoryMu.RLock()
	defer categoryMu.RUnlock()
	names := make([]string, 0, len(categories))
	for name := range categories {
		names = append(names, name)
	}
	return names
}

func withField(payload map[string]any, key string, value any) map[string]any {
	if payload == nil {
		payload = make(map[string]any)
	}
	payload[key] = value
	return payload
}

// NewUserEvent constructs an envelope scoped to a user.
func NewUserEvent(eventType, userID string, payload map[string]any, opts ...Option) (*Envelope, error) {
	payload = withField(payload, "user_id", userID)
	return New(eventType, payload, append([]Option{WithCategory(CategoryUser)}, opts...)...)
}

// NewPlantEvent constructs an envelope scoped to a plant and its owner.
func NewPlantEvent(eventType, plantID, userID string, payload map[string]any, opts ...Option) (*Envelope, error) {
	payload = withField(payload, "plant_id", plantID)
	payload = withField(payload, "user_id", userID)
	return New(eventType, payload, append([]Option{WithCategory(CategoryPlant)}, opts...)...)
}

// NewCareEvent constructs an envelope for a care activity (watering,
// fertilizing, pruning).
func NewCareEvent(eventType, plantID, userID, careType string, payload map[string]any, opts ...Option) (*Envelope, error) {
	payload = withField(payload, "plant_id", plantID)
	payload = withField(payload, "user_id", userID)
	payload = withField(payload, "care_type", careType)
	return New(eventType, payload, append([]Option{WithCategory(CategoryCare)}, opts...)...)
}

// NewHealthEvent constructs an envelope reporting a plant health status.
func NewHealthEvent(eventType, plantID, userID, healthStatus string, payload map[string]any, opts ...Option) (*Envelope, error) {
	payload = withField(payload, "plant_id", plantID)
	payload = withField(payload, "user_id", userID)
	payload = withField(payload, "health_status", healthStatus)
	return New(eventType, payload, append([]Option{WithCategory(CategoryHealth)}, opts...)...)
}

// NewGrowthEvent constructs an envelope for a growth observation.
func NewGrowthEvent(eventType, plantID, userID string, payload map[string]any, opts ...Option) (*Envelope, error) {
	payload = withField(payload, "plant_id", plantID)
	payload = withField(payload, "user_id", userID)
	return New(eventType, payload, append([]Option{WithCategory(CategoryGrowth)}, opts...)...)
}

// NewCommunityEvent constructs an envelope for community activity.
func NewCommunityEvent(eventType, userID string, payload map[string]any, opts ...Option) (*Envelope, error) {
	payload = withField(payload, "user_id", userID)
	return New(eventType, payload, append([]Option{WithCategory(CategoryCommunity)}, opts...)...)
}

// NewSystemEvent constructs an envelope for system-level activity.
func NewSystemEvent(eventType string, payload map[string]any, opts ...Option) (*Envelope, error) {
	if payload == nil {
		payload = make(map[string]any)
	}
	return New(eventType, payload, append([]Option{WithCategory(CategorySystem)}, opts...)...)
}

// NewAnalyticsEvent constructs an envelope recording a tracked action.
func NewAnalyticsEvent(eventType, action string, payload map[string]any, opts ...Option) (*Envelope, error) {
	payload = withField(payload, "action", action)
	return New(eventType, payload, append([]Option{WithCategory(CategoryAnalytics)}, opts...)...)
}

// NewNotificationEvent constructs an envelope addressed to a recipient.
func NewNotificationEvent(eventType, recipientID, notificationType string, payload map[string]any, opts ...Option) (*Envelope, error) {
	payload = withField(payload, "recipient_id", recipientID)
	payload = withField(payload, "notification_type", notificationType)
	return New(eventType, payload, append([]Option{WithCategory(CategoryNotification)}, opts...)...)
}

// NewIntegrationEvent constructs an envelope describing an external
// integration interaction.
func NewIntegrationEvent(eventType, integrationName string, payload map[string]any, opts ...Option) (*Envelope, error) {
	payload = withField(payload, "integration_name", integrationName)
	return New(eventType, payload, append([]Option{WithCategory(CategoryIntegration)}, opts...)...)
}
