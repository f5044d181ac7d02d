package modules

import (
	"context"
	"fmt"
	"net"
	"sort"
	"time"
)

// pingModule measures round-trip latency by dialing host:port count times.
// A raw ICMP echo needs elevated privileges the agent process should not
// require, so the probe is a TCP connect — tcpingModule shares this
// implementation with a schema that does not default the port, matching
// the two modules' distinct defaults in §6.
func pingModule() *ModuleSpec {
	return &ModuleSpec{
		Name: "ping_module",
		Schema: Schema{
			{Name: "host", Type: FieldString, Required: true, Aliases: []string{"target"}},
			{Name: "count", Type: FieldInt, Default: 3},
			{Name: "port", Type: FieldInt, Default: 80},
		},
		Handle: func(ctx context.Context, input map[string]interface{}, headers map[string]string) (map[string]interface{}, error) {
			host, _ := input["host"].(string)
			count := IntField(input["count"])
			port := IntField(input["port"])
			return probe(ctx, host, port, count, "ping_module")
		},
	}
}

func tcpingModule() *ModuleSpec {
	return &ModuleSpec{
		Name: "tcping",
		Schema: Schema{
			{Name: "host", Type: FieldString, Required: true},
			{Name: "port", Type: FieldInt, Required: true},
			{Name: "count", Type: FieldInt, Default: 3},
		},
		Handle: func(ctx context.Context, input map[string]interface{}, headers map[string]string) (map[string]interface{}, error) {
			host, _ := input["host"].(string)
			port := IntField(input["port"])
			count := IntField(input["count"])
			return probe(ctx, host, port, count, "tcping")
		},
	}
}

func probe(ctx context.Context, host string, port, count int, protocol string) (map[string]interface{}, error) {
	if count < 1 {
		count = 1
	}
	addr := fmt.Sprintf("%s:%d", host, port)
	dialer := net.Dialer{Timeout: 3 * time.Second}

	rtts := make([]float64, 0, count)
	received := 0
	for i := 0; i < count; i++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		start := time.Now()
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			continue
		}
		rtt := time.Since(start)
		conn.Close()
		rtts = append(rtts, float64(rtt.Microseconds())/1000.0)
		received++
	}

	result := map[string]interface{}{
		"address":          addr,
		"rtts":             rtts,
		"packets_sent":     count,
		"packets_received": received,
		"protocol":         protocol,
		"is_alive":         received > 0,
		"timestamp":        float64(time.Now().Unix()),
	}
	if count > 0 {
		result["packet_loss"] = 1.0 - float64(received)/float64(count)
	}
	if len(rtts) > 0 {
		sorted := append([]float64(nil), rtts...)
		sort.Float64s(sorted)
		var sum float64
		for _, v := range rtts {
			sum += v
		}
		avg := sum / float64(len(rtts))
		result["rtt_min"] = sorted[0]
		result["rtt_max"] = sorted[len(sorted)-1]
		result["rtt_avg"] = avg
		result["jitter"] = sorted[len(sorted)-1] - sorted[0]
	}
	return result, nil
}
