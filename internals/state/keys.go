package state

import "fmt"

const (
	KeyPrefixReceipts   = "receipts:"
	KeyPrefixCheckpoint = "queue:"
	EventChannelPrefix  = "sfu:events:"
)

func ReceiptLogKey(roomID string) string {
	return fmt.Sprintf("%s%s", KeyPrefixReceipts, roomID)
}

func QueueCheckpointKey(roomID string) string {
	return fmt.Sprintf("%s%s:checkpoint", KeyPrefixCheckpoint, roomID)
}

func EventChannel(roomID string) string {
	return EventChannelPrefix + roomID
}
