package events

import "encoding/json"

// decodeJSON unmarshals a wire payload back into its typed payload struct,
// returned by value so subscriber type assertions see the same concrete
// type an in-process publish would deliver.
func decodeJSON[T any](data []byte) (interface{}, error) {
	var p T
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return p, nil
}

// PayloadDecoders maps every event name to a decoder for its payload
// shape. Bus backends that serialize events on the wire (the NATS driver)
// must register these before any subscriber attaches, or handlers would
// receive untyped maps and their payload assertions would silently no-op.
func PayloadDecoders() map[string]func([]byte) (interface{}, error) {
	return map[string]func([]byte) (interface{}, error){
		TaskReady:            decodeJSON[TaskReadyPayload],
		TaskRouted:           decodeJSON[TaskRoutedPayload],
		TaskStarted:          decodeJSON[TaskStartedPayload],
		WorkerSpawned:        decodeJSON[WorkerSpawnedPayload],
		WorkerTerminated:     decodeJSON[WorkerTerminatedPayload],
		TaskComplete:         decodeJSON[TaskCompletePayload],
		TaskFailed:           decodeJSON[TaskFailedPayload],
		WorktreeCreated:      decodeJSON[WorktreeCreatedPayload],
		ConfigReloaded:       decodeJSON[ConfigReloadedPayload],
		SessionPause:         decodeJSON[SessionSignalPayload],
		SessionResume:        decodeJSON[SessionSignalPayload],
		SessionCancel:        decodeJSON[SessionSignalPayload],
		MonitorMetricsRecord: decodeJSON[MonitorMetricsPayload],
	}
}
