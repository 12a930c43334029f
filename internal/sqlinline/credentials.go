package sqlinline

const QSelectGatewayKey = `--sql 3fbab1be-3c9f-47cf-b702-0707ad311349
select token
from gateway_keys
where owner_id = $1::uuid and provider = $2::text
limit 1;
`

const QUpsertGatewayKey = `--sql a91fee3a-0ce1-4027-90f9-e69c5f097c22
insert into gateway_keys (id, owner_id, provider, token, properties, created_at, updated_at)
values (gen_random_uuid(), $1::uuid, $2::text, $3::text, coalesce($4::jsonb, '{}'::jsonb), now(), now())
on conflict (owner_id, provider) do update set
    token = excluded.token,
    properties = excluded.properties,
    updated_at = now();
`

const QListGatewayKeyProviders = `--sql 723f1896-8fd7-48de-9e27-db49ff56d721
select provider, updated_at
from gateway_keys
where owner_id = $1::uuid
order by provider;
`
