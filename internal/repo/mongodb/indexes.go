package mongodb

import (
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var collectionIndexes = map[string][]mongo.IndexModel{
	"chats": {
		{
			Keys:    bson.D{{Key: "telegram_chat_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("telegram_chat_id_unique"),
		},
	},
	"forward_rules": {
		{
			Keys:    bson.D{{Key: "source_chat_id", Value: 1}, {Key: "config.enable_rule", Value: 1}},
			Options: options.Index().SetName("source_enabled"),
		},
	},
	"task_queue": {
		{
			Keys:    bson.D{{Key: "unique_key", Value: 1}},
			Options: options.Index().SetUnique(true).SetSparse(true).SetName("unique_key_unique"),
		},
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "priority", Value: -1},
				{Key: "created_at", Value: 1},
			},
			Options: options.Index().SetName("claim_order"),
		},
		{
			Keys:    bson.D{{Key: "grouped_id", Value: 1}, {Key: "status", Value: 1}},
			Options: options.Index().SetSparse(true).SetName("group_status"),
		},
	},
	"media_signatures": {
		{
			Keys:    bson.D{{Key: "chat_id", Value: 1}, {Key: "signature", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("chat_signature_unique"),
		},
		{
			Keys:    bson.D{{Key: "chat_id", Value: 1}, {Key: "perceptual", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("chat_perceptual_recent"),
		},
	},
	"audit_logs": {
		{
			Keys:    bson.D{{Key: "rule_id", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("rule_recent"),
		},
	},
}
