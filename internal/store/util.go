package store

import (
	"regexp"

	"go.mongodb.org/mongo-driver/mongo"

	pkgerrors "rcs/pkg/errors"
)

func matched(res *mongo.UpdateResult, coll, id string) error {
	if res.MatchedCount == 0 {
		return pkgerrors.ErrNotFound.WithMessage("%s %s not found", coll, id)
	}
	return nil
}

func regexQuote(s string) string {
	return regexp.QuoteMeta(s)
}
