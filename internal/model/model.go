package model

// Tables lists every persisted model, in migration order.
func Tables() []interface{} {
	return []interface{}{&User{}, &ChatSession{}, &Message{}, &TurnLog{}}
}
