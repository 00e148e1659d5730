// Package client implements the RPC client of a dRange range.
//
// A RangeClient talks to the replicas of one range through any
// transport.IRPCClientTransport. It learns the epoch of the range from the
// servers: the first request is answered with StaleEpoch and the current
// metadata, the client adopts it and sends the request again. Requests that
// reach a follower or a range without leader are retried on the next
// endpoint, up to RetryCount plus the number of endpoints times.
//
// Usage Example:
//
//	config := common.ClientConfig{
//	  TimeoutSecond: 5,
//	  Transport: common.ClientTransportConfig{
//	    Endpoints:  []string{"10.0.0.1:8080", "10.0.0.2:8080", "10.0.0.3:8080"},
//	    RetryCount: 3,
//	  },
//	}
//
//	c, _ := client.NewRangeClient(1, config, tcp.NewTCPClientTransport(), serializer.NewBinarySerializer())
//	defer c.Close()
//
//	c.Set([]byte("mykey"), []byte("myvalue"))
//	value, ok, _ := c.Get([]byte("mykey"))
//
//	// follow a watch key until ctx is done
//	key, _ := codec.EncodeKey(1, [][]byte{[]byte("services"), []byte("api")})
//	c.Watch(ctx, key, true, 0, func(ev client.Event) bool {
//	  fmt.Println(ev.Version, ev.Deleted)
//	  return true
//	})
//
// Watches are long polls. Each poll carries a deadline of half the client
// timeout, the server answers on the first change or at the deadline and
// the client polls again.
//
// Thread Safety:
//
//	A RangeClient can be used concurrently from multiple goroutines.
package client
