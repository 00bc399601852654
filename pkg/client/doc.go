/*
Package client is a Go client for a sequoia server.

Plain queries map one to one onto the HTTP routes:

	c := client.NewClient("localhost:3000")
	snap, err := c.LiveState(ctx)
	page, err := c.EventsPage(ctx, 0, 500)
	bounds, err := c.Bounds(ctx)

Watch follows the event stream and keeps a local mirror (usually a
*state.Store) equal to the server's live state. It applies updates strictly
in sequence order: duplicates are dropped and gaps are filled from
/api/history/events before the stream continues.

	live := state.NewStore()
	err := c.Watch(ctx, live, func(ev types.OwnershipEvent) {
		fmt.Println(ev.Territory, "->", ev.NewOwner.Name)
	})
*/
package client
