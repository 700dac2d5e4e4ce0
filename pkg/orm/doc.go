// Package orm is a small data-access layer with manager-style helpers.
//
// A model is a struct registered once, next to its declaration:
//
//	type Article struct {
//		ID    int64  `db:"id"`
//		Title string `db:"title" orm:"unique,size=200"`
//		Draft bool   `db:"draft" orm:"default=true"`
//	}
//
//	var Articles = orm.Register[Article]()
//
// Queries run on the session carried by the context. The HTTP layer installs
// one session per request; other code uses DB.Scope:
//
//	err := db.Scope(ctx, func(ctx context.Context) error {
//		a, err := Articles.Create(ctx, orm.Fields{"Title": "hello"})
//		if err != nil {
//			return err
//		}
//		a.Draft = false
//		return orm.Save(ctx, a)
//	})
//
// Every Manager and model operation fails with ErrSessionUnavailable when the
// context has no session.
package orm
