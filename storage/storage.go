package storage

import (
	"github.com/zkmarket/compute-node/common"
	providers "github.com/zkmarket/compute-node/storage/providers"
)

// Factory initializes the named artifact store provider against its configured
// endpoint; returns nil for an unknown provider
func Factory(provider string) providers.Store {
	switch provider {
	case providers.StoreProviderIPFS:
		return providers.InitIPFSStore(nil)
	case providers.StoreProviderBucket:
		store, err := providers.InitBucketStore(nil)
		if err != nil {
			common.Log.Warningf("failed to initialize bucket store provider; %s", err.Error())
			return nil
		}
		return store
	default:
		common.Log.Warningf("failed to initialize store provider; unknown provider: %s", provider)
	}

	return nil
}
