package broker

import (
	"context"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

type versionRange struct {
	key      kmsg.Key
	min, max int16
}

// apiVersions lists every api the broker answers, in key order.
var apiVersions = []versionRange{
	{kmsg.Produce, 3, 8},
	{kmsg.Fetch, 4, 11},
	{kmsg.ListOffsets, 0, 5},
	{kmsg.Metadata, 0, 9},
	{kmsg.ApiVersions, 0, 3},
	{kmsg.CreateTopics, 0, 4},
}

func supportedVersions(key int16) (versionRange, bool) {
	for _, v := range apiVersions {
		if int16(v.key) == key {
			return v, true
		}
	}
	return versionRange{}, false
}

func appendAPIKeys(resp *kmsg.ApiVersionsResponse) {
	for _, v := range apiVersions {
		k := kmsg.NewApiVersionsResponseApiKey()
		k.ApiKey = int16(v.key)
		k.MinVersion = v.min
		k.MaxVersion = v.max
		resp.ApiKeys = append(resp.ApiKeys, k)
	}
}

func (b *Broker) handleAPIVersions(ctx context.Context, req *kmsg.ApiVersionsRequest) *kmsg.ApiVersionsResponse {
	sp, _ := b.span(ctx, "api versions")
	defer sp.Finish()

	resp := req.ResponseKind().(*kmsg.ApiVersionsResponse)
	appendAPIKeys(resp)
	return resp
}

// unsupportedAPIVersions answers an ApiVersions request newer than the
// broker knows, at v0, so the client can retry with a version listed.
func (b *Broker) unsupportedAPIVersions() *kmsg.ApiVersionsResponse {
	resp := kmsg.NewPtrApiVersionsResponse()
	resp.SetVersion(0)
	resp.ErrorCode = kerr.UnsupportedVersion.Code
	appendAPIKeys(resp)
	return resp
}
