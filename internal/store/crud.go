package store

import (
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

func encode(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

func decode(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}

// --- Mesh ---

func (s *Store) PutMesh(m *Mesh) error {
	data, err := encode(m)
	if err != nil {
		return fmt.Errorf("store: encode mesh: %w", err)
	}
	return s.Update(func(tx Transaction) error { return tx.set(meshKey(m.ID), data) })
}

func (s *Store) GetMesh(id string) (*Mesh, error) {
	var m Mesh
	err := s.View(func(tx Transaction) error {
		data, err := tx.get(meshKey(id))
		if err != nil {
			return err
		}
		return decode(data, &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMeshes returns every declared mesh.
func (s *Store) ListMeshes() ([]*Mesh, error) {
	var meshes []*Mesh
	err := s.View(func(tx Transaction) error {
		rows, err := tx.scanPrefix(meshPrefix())
		if err != nil {
			return err
		}
		for _, data := range rows {
			var m Mesh
			if err := decode(data, &m); err != nil {
				return err
			}
			meshes = append(meshes, &m)
		}
		return nil
	})
	return meshes, err
}

// --- Node ---

func (s *Store) PutNode(n *Node) error {
	data, err := encode(n)
	if err != nil {
		return fmt.Errorf("store: encode node: %w", err)
	}
	return s.Update(func(tx Transaction) error { return tx.set(nodeKey(n.MeshID, n.ID), data) })
}

func (s *Store) GetNode(meshID, nodeID string) (*Node, error) {
	var n Node
	err := s.View(func(tx Transaction) error {
		data, err := tx.get(nodeKey(meshID, nodeID))
		if err != nil {
			return err
		}
		return decode(data, &n)
	})
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// ListNodes returns every node declared for meshID.
func (s *Store) ListNodes(meshID string) ([]*Node, error) {
	var nodes []*Node
	err := s.View(func(tx Transaction) error {
		rows, err := tx.scanPrefix(nodePrefix(meshID))
		if err != nil {
			return err
		}
		for _, data := range rows {
			var n Node
			if err := decode(data, &n); err != nil {
				return err
			}
			nodes = append(nodes, &n)
		}
		return nil
	})
	return nodes, err
}

// --- Connection ---

func (s *Store) PutConnection(c *Connection) error {
	data, err := encode(c)
	if err != nil {
		return fmt.Errorf("store: encode connection: %w", err)
	}
	return s.Update(func(tx Transaction) error {
		return tx.set(connectionKey(c.MeshID, c.SourceNodeID, c.TargetNodeID), data)
	})
}

// GetConnection returns (nil, nil) — not ErrNotFound — when no Connection
// row exists, since callers (Node's publish path) must distinguish
// "no connection configured" from a lookup failure and apply their own
// default-alignment fallback.
func (s *Store) GetConnection(meshID, sourceNodeID, targetNodeID string) (*Connection, error) {
	var c Connection
	err := s.View(func(tx Transaction) error {
		data, err := tx.get(connectionKey(meshID, sourceNodeID, targetNodeID))
		if err != nil {
			return err
		}
		return decode(data, &c)
	})
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// --- Subscription ---

func (s *Store) PutSubscription(sub *Subscription) error {
	data, err := encode(sub)
	if err != nil {
		return fmt.Errorf("store: encode subscription: %w", err)
	}
	return s.Update(func(tx Transaction) error {
		return tx.set(subscriptionKey(sub.MeshID, sub.SourceNodeID, sub.EventType, sub.TargetNodeID), data)
	})
}

// ListSubscriptions returns every subscription matching
// (sourceNodeID, eventType) within meshID.
func (s *Store) ListSubscriptions(meshID, sourceNodeID, eventType string) ([]*Subscription, error) {
	var subs []*Subscription
	err := s.View(func(tx Transaction) error {
		rows, err := tx.scanPrefix(subscriptionPrefix(meshID, sourceNodeID, eventType))
		if err != nil {
			return err
		}
		for _, data := range rows {
			var sub Subscription
			if err := decode(data, &sub); err != nil {
				return err
			}
			subs = append(subs, &sub)
		}
		return nil
	})
	return subs, err
}

// --- Session ---

func (s *Store) PutSession(sess *Session) error {
	data, err := encode(sess)
	if err != nil {
		return fmt.Errorf("store: encode session: %w", err)
	}
	return s.Update(func(tx Transaction) error { return tx.set(sessionKey(sess.ID), data) })
}

func (s *Store) GetSession(id string) (*Session, error) {
	var sess Session
	err := s.View(func(tx Transaction) error {
		data, err := tx.get(sessionKey(id))
		if err != nil {
			return err
		}
		return decode(data, &sess)
	})
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// --- Message ---

// AppendMessage assigns the next sequence number for sess and persists
// msg, all within one transaction so sequence assignment and the write
// can never race against a concurrent append for the same session.
func (s *Store) AppendMessage(msg *Message) error {
	return s.Update(func(tx Transaction) error {
		seq, err := nextSequence(tx, msg.SessionID)
		if err != nil {
			return err
		}
		msg.Sequence = seq

		data, err := encode(msg)
		if err != nil {
			return fmt.Errorf("store: encode message: %w", err)
		}
		if err := tx.set(messageKey(msg.SessionID, seq), data); err != nil {
			return err
		}
		return tx.set(messageSeqCounterKey(msg.SessionID), []byte(fmt.Sprintf("%d", seq)))
	})
}

func nextSequence(tx Transaction, sessionID string) (int64, error) {
	data, err := tx.get(messageSeqCounterKey(sessionID))
	if err == ErrNotFound {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	var cur int64
	if _, err := fmt.Sscanf(string(data), "%d", &cur); err != nil {
		return 0, fmt.Errorf("store: parse sequence counter: %w", err)
	}
	return cur + 1, nil
}

// ListMessages returns every message persisted for sessionID, in
// sequence order (the rows are sorted by Sequence after the prefix scan).
func (s *Store) ListMessages(sessionID string) ([]*Message, error) {
	var msgs []*Message
	err := s.View(func(tx Transaction) error {
		rows, err := tx.scanPrefix(messagePrefix(sessionID))
		if err != nil {
			return err
		}
		for _, data := range rows {
			var m Message
			if err := decode(data, &m); err != nil {
				return err
			}
			msgs = append(msgs, &m)
		}
		return nil
	})
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Sequence < msgs[j].Sequence })
	return msgs, err
}

// --- SessionRouting ---

// GetRouting returns the forward SessionRouting row for
// (localNodeID, localSessionID), or (nil, nil) if none exists.
func (s *Store) GetRouting(localNodeID, localSessionID string) (*SessionRouting, error) {
	var r SessionRouting
	err := s.View(func(tx Transaction) error {
		data, err := tx.get(routingKey(localNodeID, localSessionID))
		if err != nil {
			return err
		}
		return decode(data, &r)
	})
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// PutRoutingPair atomically writes both the forward routing row
// (local -> remote) and its mirrored backward row (remote -> local) in a
// single store transaction: either both are visible afterward or neither
// is.
func (s *Store) PutRoutingPair(userID, meshID, localNodeID, localSessionID, remoteNodeID, remoteSessionID string) error {
	forward := &SessionRouting{
		UserID: userID, MeshID: meshID,
		LocalNodeID: localNodeID, LocalSessionID: localSessionID,
		RemoteNodeID: remoteNodeID, RemoteSessionID: remoteSessionID,
	}
	backward := &SessionRouting{
		UserID: userID, MeshID: meshID,
		LocalNodeID: remoteNodeID, LocalSessionID: remoteSessionID,
		RemoteNodeID: localNodeID, RemoteSessionID: localSessionID,
	}

	fwdData, err := encode(forward)
	if err != nil {
		return fmt.Errorf("store: encode forward routing: %w", err)
	}
	bwdData, err := encode(backward)
	if err != nil {
		return fmt.Errorf("store: encode backward routing: %w", err)
	}

	return s.Update(func(tx Transaction) error {
		if err := tx.set(routingKey(localNodeID, localSessionID), fwdData); err != nil {
			return err
		}
		return tx.set(routingKey(remoteNodeID, remoteSessionID), bwdData)
	})
}
