package projections

import (
	"example.com/orderhub/domain"
)

// UserProfile materializes one row per user with the current email address
// and the history of addresses it replaced.
func UserProfile() Projection {
	return Projection{
		Name: "user-profile",
		EventTypes: []string{
			domain.UserRegistered,
			domain.UserEmailChanged,
		},
		Fold: foldUserProfile,
	}
}

func foldUserProfile(eventType string, payload map[string]interface{}, aggregateID string, prev map[string]interface{}) (map[string]interface{}, error) {
	switch eventType {
	case domain.UserRegistered:
		return map[string]interface{}{
			"userId": payload["userId"],
			"name":   payload["name"],
			"email":  payload["email"],
		}, nil

	case domain.UserEmailChanged:
		if prev == nil {
			return nil, nil
		}
		next := cloneState(prev)
		next["previousEmails"] = append(sliceField(prev, "previousEmails"), prev["email"])
		next["email"] = payload["email"]
		return next, nil
	}

	return nil, nil
}
