// Package distrib forwards leader-side updates to shard replicas and retries
// the ones that fail for transient reasons.
//
// A Distributor wraps one streaming.Pool for the duration of an update cycle:
//
//	d := distrib.New(streaming.NewPool(shared, opts), distrib.Config{})
//	defer d.Close()
//
//	nodes := []*distrib.StdNode{d.Node(addr, "node-1", 3)}
//	if err := d.DistribAdd(ctx, nodes, docs, nil); err != nil {
//		return err
//	}
//	failed, err := d.Finish(ctx)
//
// Requests that fail with an unknown status, 503 or 404 are resubmitted up to
// Config.MaxRetries times. Everything else is returned from Finish and
// recorded in the Tracker, which the coordinator uses to mark replicas down.
package distrib
