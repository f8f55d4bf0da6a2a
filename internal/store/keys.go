package store

import "fmt"

// Key encoding: one flat namespace, prefix-separated by entity kind, so
// scanPrefix can enumerate an entity collection. Grounded on omni's
// KeyBuilder idiom (internal/common/keys.go), collapsed to this module's
// seven entity kinds.

func meshKey(meshID string) []byte {
	return []byte(fmt.Sprintf("mesh:%s", meshID))
}

func meshPrefix() []byte {
	return []byte("mesh:")
}

func nodeKey(meshID, nodeID string) []byte {
	return []byte(fmt.Sprintf("node:%s:%s", meshID, nodeID))
}

func nodePrefix(meshID string) []byte {
	return []byte(fmt.Sprintf("node:%s:", meshID))
}

func connectionKey(meshID, sourceNodeID, targetNodeID string) []byte {
	return []byte(fmt.Sprintf("conn:%s:%s:%s", meshID, sourceNodeID, targetNodeID))
}

func connectionPrefix(meshID string) []byte {
	return []byte(fmt.Sprintf("conn:%s:", meshID))
}

func subscriptionKey(meshID, sourceNodeID, eventType, targetNodeID string) []byte {
	return []byte(fmt.Sprintf("sub:%s:%s:%s:%s", meshID, sourceNodeID, eventType, targetNodeID))
}

func subscriptionPrefix(meshID, sourceNodeID, eventType string) []byte {
	return []byte(fmt.Sprintf("sub:%s:%s:%s:", meshID, sourceNodeID, eventType))
}

func sessionKey(sessionID string) []byte {
	return []byte(fmt.Sprintf("session:%s", sessionID))
}

func messageKey(sessionID string, sequence int64) []byte {
	return []byte(fmt.Sprintf("msg:%s:%020d", sessionID, sequence))
}

func messagePrefix(sessionID string) []byte {
	return []byte(fmt.Sprintf("msg:%s:", sessionID))
}

func messageSeqCounterKey(sessionID string) []byte {
	return []byte(fmt.Sprintf("msgseq:%s", sessionID))
}

// routingKey encodes a forward or backward SessionRouting row keyed by the
// (local_node, local_session) side of the pair.
func routingKey(localNodeID, localSessionID string) []byte {
	return []byte(fmt.Sprintf("route:%s:%s", localNodeID, localSessionID))
}
