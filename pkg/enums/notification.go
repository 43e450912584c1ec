package enums

import "fmt"

// NotificationType maps to the payment_notification_type enum in Postgres.
type NotificationType string

const (
	NotificationTypePaymentDue       NotificationType = "PAYMENT_DUE"
	NotificationTypePaymentSucceeded NotificationType = "PAYMENT_SUCCEEDED"
	NotificationTypePaymentFailed    NotificationType = "PAYMENT_FAILED"
	NotificationTypeExpiringSoon     NotificationType = "EXPIRING_SOON"
	NotificationTypeExpired          NotificationType = "EXPIRED"
	NotificationTypeActivated        NotificationType = "ACTIVATED"
	NotificationTypeCancelled        NotificationType = "CANCELLED"
	NotificationTypeLimitWarning     NotificationType = "LIMIT_WARNING"
)

var validNotificationTypes = []NotificationType{
	NotificationTypePaymentDue,
	NotificationTypePaymentSucceeded,
	NotificationTypePaymentFailed,
	NotificationTypeExpiringSoon,
	NotificationTypeExpired,
	NotificationTypeActivated,
	NotificationTypeCancelled,
	NotificationTypeLimitWarning,
}

// IsValid checks whether the given type matches the canonical enum.
func (n NotificationType) IsValid() bool {
	for _, candidate := range validNotificationTypes {
		if candidate == n {
			return true
		}
	}
	return false
}

func (n NotificationType) String() string {
	return string(n)
}

// ParseNotificationType converts raw strings into NotificationType.
func ParseNotificationType(value string) (NotificationType, error) {
	for _, candidate := range validNotificationTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid notification type %q", value)
}
