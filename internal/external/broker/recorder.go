// Package broker adapts the generic task-queue port to the specific task
// types the recording module dispatches to the out-of-scope recorder
// worker.
package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ricoschulte/opentalk-controller/internal/external/broker/port"
)

const (
	TaskStartRecording = "recording:start"
	TaskStopRecording  = "recording:stop"
)

type recordingTaskPayload struct {
	RoomID      string `json:"room_id"`
	RecordingID string `json:"recording_id"`
}

// RecorderDispatcher implements recording.Broker on top of a generic
// port.Client, so the recording module never imports asynq directly.
type RecorderDispatcher struct {
	Client port.Client
	Queue  string
}

func NewRecorderDispatcher(client port.Client) *RecorderDispatcher {
	return &RecorderDispatcher{Client: client, Queue: "recording"}
}

func (d *RecorderDispatcher) EnqueueStartRecording(roomID, recordingID string) error {
	return d.enqueue(TaskStartRecording, roomID, recordingID)
}

func (d *RecorderDispatcher) EnqueueStopRecording(roomID, recordingID string) error {
	return d.enqueue(TaskStopRecording, roomID, recordingID)
}

func (d *RecorderDispatcher) enqueue(taskType, roomID, recordingID string) error {
	payload, err := json.Marshal(recordingTaskPayload{RoomID: roomID, RecordingID: recordingID})
	if err != nil {
		return fmt.Errorf("broker: marshal task payload: %w", err)
	}
	_, err = d.Client.Enqueue(context.Background(), port.Task{Type: taskType, Payload: payload}, port.EnqueueOption{Queue: d.Queue})
	return err
}
