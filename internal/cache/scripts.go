package cache

import "github.com/redis/go-redis/v9"

// The mutation scripts run inside the shared store so that reading the store
// clock, rewriting the items map, bumping rev, and publishing the fan-out
// message happen as one atomic step. A message is emitted iff the mutation
// committed. rev comes from the store's TIME so concurrent nodes cannot
// disagree on ordering. It is returned as a string because Lua numbers
// returned to Redis are truncated to integers, and published as the same
// string because cjson encodes doubles at 14 significant digits, which at
// epoch scale loses the microsecond fraction; every carrier of rev uses the
// '%.6f' form.
//
// Deleted items are replaced with a JSON null tombstone rather than removed;
// stale replicas need the tombstone to converge.

const addItemSrc = `
local list_key = KEYS[1]
local item_id = ARGV[1]
local item_data = ARGV[2]
local channel = ARGV[3]
local list_id = ARGV[4]

local time_parts = redis.call('TIME')
local new_rev = tonumber(time_parts[1]) + tonumber(time_parts[2]) / 1000000

local items = {}
local items_json = redis.call('HGET', list_key, 'items')
if items_json then
    items = cjson.decode(items_json)
end

items[item_id] = cjson.decode(item_data)

redis.call('HSET', list_key,
    'rev', new_rev,
    'items', cjson.encode(items),
    'updated_at', time_parts[1])

redis.call('PUBLISH', channel, cjson.encode({
    type = 'item_added',
    list_id = list_id,
    item = cjson.decode(item_data),
    rev = string.format('%.6f', new_rev)
}))

return string.format('%.6f', new_rev)
`

const updateItemSrc = `
local list_key = KEYS[1]
local item_id = ARGV[1]
local item_data = ARGV[2]
local channel = ARGV[3]
local list_id = ARGV[4]

local time_parts = redis.call('TIME')
local new_rev = tonumber(time_parts[1]) + tonumber(time_parts[2]) / 1000000

local items_json = redis.call('HGET', list_key, 'items')
if not items_json then
    return redis.error_reply('list not found')
end

local items = cjson.decode(items_json)
if items[item_id] == nil or items[item_id] == cjson.null then
    return redis.error_reply('item not found')
end

items[item_id] = cjson.decode(item_data)

redis.call('HSET', list_key,
    'rev', new_rev,
    'items', cjson.encode(items),
    'updated_at', time_parts[1])

redis.call('PUBLISH', channel, cjson.encode({
    type = 'item_updated',
    list_id = list_id,
    item = cjson.decode(item_data),
    rev = string.format('%.6f', new_rev)
}))

return string.format('%.6f', new_rev)
`

const deleteItemSrc = `
local list_key = KEYS[1]
local item_id = ARGV[1]
local channel = ARGV[2]
local list_id = ARGV[3]

local time_parts = redis.call('TIME')
local new_rev = tonumber(time_parts[1]) + tonumber(time_parts[2]) / 1000000

local items_json = redis.call('HGET', list_key, 'items')
if not items_json then
    return redis.error_reply('list not found')
end

local items = cjson.decode(items_json)
if items[item_id] == nil or items[item_id] == cjson.null then
    return redis.error_reply('item not found')
end

items[item_id] = cjson.null

redis.call('HSET', list_key,
    'rev', new_rev,
    'items', cjson.encode(items),
    'updated_at', time_parts[1])

redis.call('PUBLISH', channel, cjson.encode({
    type = 'item_deleted',
    list_id = list_id,
    item_id = item_id,
    rev = string.format('%.6f', new_rev)
}))

return string.format('%.6f', new_rev)
`

const updateListSrc = `
local list_key = KEYS[1]
local list_name = ARGV[1]
local channel = ARGV[2]
local list_id = ARGV[3]

local time_parts = redis.call('TIME')
local new_rev = tonumber(time_parts[1]) + tonumber(time_parts[2]) / 1000000

if redis.call('EXISTS', list_key) == 0 then
    return redis.error_reply('list not found')
end

redis.call('HSET', list_key,
    'rev', new_rev,
    'list_name', list_name,
    'updated_at', time_parts[1])

redis.call('PUBLISH', channel, cjson.encode({
    type = 'list_updated',
    list_id = list_id,
    list_name = list_name,
    rev = string.format('%.6f', new_rev)
}))

return string.format('%.6f', new_rev)
`

const deleteListSrc = `
local list_key = KEYS[1]
local channel = ARGV[1]
local list_id = ARGV[2]

local time_parts = redis.call('TIME')
local new_rev = tonumber(time_parts[1]) + tonumber(time_parts[2]) / 1000000

redis.call('DEL', list_key)

redis.call('PUBLISH', channel, cjson.encode({
    type = 'list_deleted',
    list_id = list_id,
    rev = string.format('%.6f', new_rev)
}))

return string.format('%.6f', new_rev)
`

type scripts struct {
	addItem    *redis.Script
	updateItem *redis.Script
	deleteItem *redis.Script
	updateList *redis.Script
	deleteList *redis.Script
}

func newScripts() scripts {
	return scripts{
		addItem:    redis.NewScript(addItemSrc),
		updateItem: redis.NewScript(updateItemSrc),
		deleteItem: redis.NewScript(deleteItemSrc),
		updateList: redis.NewScript(updateListSrc),
		deleteList: redis.NewScript(deleteListSrc),
	}
}

func (s scripts) all() []*redis.Script {
	return []*redis.Script{s.addItem, s.updateItem, s.deleteItem, s.updateList, s.deleteList}
}
