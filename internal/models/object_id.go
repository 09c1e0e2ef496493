package models

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ObjectID is a task or document id kept as its hex form in memory and
// stored as a native ObjectId.
//
//nolint:recvcheck // UnmarshalBSONValue needs the pointer receiver
type ObjectID string

func NewObjectID() ObjectID {
	return ObjectID(primitive.NewObjectID().Hex())
}

func (o ObjectID) MarshalBSONValue() (bsontype.Type, []byte, error) {
	p, err := primitive.ObjectIDFromHex(string(o))
	if err != nil {
		return bson.TypeNull, nil, fmt.Errorf("object id %q: %w", string(o), err)
	}
	return bson.MarshalValue(p)
}

// UnmarshalBSONValue accepts a native ObjectId or its hex string.
func (o *ObjectID) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	if t == bson.TypeString {
		var s string
		if err := bson.UnmarshalValue(t, data, &s); err != nil {
			return err
		}
		*o = ObjectID(s)
		return nil
	}
	var p primitive.ObjectID
	if err := bson.UnmarshalValue(t, data, &p); err != nil {
		return err
	}
	*o = ObjectID(p.Hex())
	return nil
}

func (o ObjectID) String() string {
	return string(o)
}
