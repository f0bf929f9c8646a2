package export

import (
	"crypto/sha256"
	"crypto/sha512"
	"hash"

	"github.com/xdg-go/scram"
)

type scramHash int

const (
	scramSHA256 scramHash = iota
	scramSHA512
)

// scramClient adapts xdg-go/scram to sarama's SCRAMClient interface.
type scramClient struct {
	hashGen      scram.HashGeneratorFcn
	client       *scram.Client
	conversation *scram.ClientConversation
}

func newSCRAMClient(h scramHash) *scramClient {
	var gen scram.HashGeneratorFcn
	switch h {
	case scramSHA512:
		gen = func() hash.Hash { return sha512.New() }
	default:
		gen = func() hash.Hash { return sha256.New() }
	}
	return &scramClient{hashGen: gen}
}

func (c *scramClient) Begin(userName, password, authzID string) error {
	client, err := c.hashGen.NewClient(userName, password, authzID)
	if err != nil {
		return err
	}
	c.client = client
	c.conversation = client.NewConversation()
	return nil
}

func (c *scramClient) Step(challenge string) (string, error) {
	return c.conversation.Step(challenge)
}

func (c *scramClient) Done() bool {
	return c.conversation.Done()
}
