package account

// Account describes a user of the service. Orders, subscriptions, and
// devices are owned by exactly one Account.
type Account struct {
	ID    string `json:"id" gorm:"primaryKey"`
	Email string `json:"email" gorm:"uniqueIndex"` // User's email address
}
