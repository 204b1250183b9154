package discovery

// Discovery abstracts how seed nodes are provided to the gossip layer.
// Implementations include static lists, files/ENV and DNS records.
type Discovery interface {
	Seeds() []string
}
