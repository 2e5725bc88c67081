package trigger

import (
	"encoding/json"
	"fmt"
	"time"

	"devsnap/internal/models"
	"devsnap/internal/storage"
)

// DefaultHistoryLimit 保留的触发事件数
const DefaultHistoryLimit = 100

func loadState(backend storage.Backend) (models.TriggerState, error) {
	state := models.TriggerState{LastTriggered: make(map[string]time.Time)}

	data, err := backend.Get(storage.TriggerStateKey)
	if err != nil {
		if models.IsNotFound(err) {
			return state, nil
		}
		return state, fmt.Errorf("failed to read trigger state: %w", err)
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, &models.StorageError{Op: "decode", Key: storage.TriggerStateKey, Err: err}
	}
	if state.LastTriggered == nil {
		state.LastTriggered = make(map[string]time.Time)
	}
	return state, nil
}

func saveState(backend storage.Backend, state *models.TriggerState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal trigger state: %w", err)
	}
	if err := backend.Put(storage.TriggerStateKey, data); err != nil {
		return fmt.Errorf("failed to write trigger state: %w", err)
	}
	return nil
}

// appendHistory 追加事件并淘汰最旧的记录
func appendHistory(history []models.TriggerEvent, events []models.TriggerEvent, limit int) []models.TriggerEvent {
	history = append(history, events...)
	if limit > 0 && len(history) > limit {
		history = append([]models.TriggerEvent(nil), history[len(history)-limit:]...)
	}
	return history
}
