// Package mls binds the group key-agreement kit to haven's circles.
//
// [Manager] owns the kit and its store file. It filters group
// configuration (relay URLs that are not wss:// and admin keys that do not
// parse are dropped), re-tags kit errors as [ErrMdk], and maps processed
// group messages to application results: a location point, a group update,
// or an unprocessable event.
//
// [GroupContext] binds one group's ids to the manager. It is the only way
// application code reaches a group's message plane:
//
//	gc, err := manager.GroupContext(groupID)
//	if err != nil {
//	    return err
//	}
//	if err := gc.ValidateEpoch(expected); err != nil {
//	    return err
//	}
//	outer, err := gc.EncryptEvent(rumor, mls.MessageOptions{})
package mls
