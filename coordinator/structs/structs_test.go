package structs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodePrefixesType(t *testing.T) {
	req := RegisterBrokerRequest{Broker: Broker{ID: 2, Node: "broker-2", Addr: "127.0.0.1:9092", Status: BrokerAlive}}
	buf, err := Encode(RegisterBrokerRequestType, &req)
	require.NoError(t, err)
	require.Equal(t, byte(RegisterBrokerRequestType), buf[0])

	var out RegisterBrokerRequest
	require.NoError(t, Decode(buf[1:], &out))
	require.Equal(t, req, out)
}
